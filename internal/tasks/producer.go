package tasks

import (
	"context"

	"github.com/papermerge/s3-worker/pkg/queue"
)

// Producer enqueues worker tasks; it is the API the document server side
// of the house uses.
type Producer struct {
	queue *queue.RedisTaskQueue
}

func NewProducer(q *queue.RedisTaskQueue) *Producer {
	return &Producer{queue: q}
}

func (p *Producer) AddDocVers(ctx context.Context, ids []string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskAddDocVers, IDs: ids})
}

func (p *Producer) RemoveDocVers(ctx context.Context, ids []string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskRemoveDocVers, IDs: ids})
}

func (p *Producer) RemoveDocThumbnail(ctx context.Context, id string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskRemoveDocThumbnail, IDs: []string{id}})
}

func (p *Producer) RemoveDocsThumbnail(ctx context.Context, ids []string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskRemoveDocsThumbnail, IDs: ids})
}

func (p *Producer) RemovePageThumbnail(ctx context.Context, ids []string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskRemovePageThumbnail, IDs: ids})
}

func (p *Producer) GenerateDocThumbnail(ctx context.Context, id string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskGenerateDocThumbnail, IDs: []string{id}})
}

func (p *Producer) GeneratePageImage(ctx context.Context, id string) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskGeneratePageImage, IDs: []string{id}})
}

func (p *Producer) Sync(ctx context.Context) error {
	return p.queue.Enqueue(ctx, queue.Task{Name: TaskSync})
}
