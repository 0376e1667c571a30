package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/shared"
)

// TaskStore is the slice of the repository used by the task board.
type TaskStore interface {
	GetTasks(ctx context.Context, userKey string) ([]domain.Task, error)
	ToggleTaskCompletion(ctx context.Context, userKey, taskID string) error
}

// TaskBoard is a student's cached task list.
type TaskBoard struct {
	repo      TaskStore
	userID    string
	userKey   string
	tasks     shared.Latest[[]domain.Task]
	publisher events.Publisher
	logger    *slog.Logger
}

func newTaskBoard(repo TaskStore, userID, userKey string, pub events.Publisher, logger *slog.Logger) *TaskBoard {
	return &TaskBoard{repo: repo, userID: userID, userKey: userKey, publisher: pub, logger: logger}
}

// Snapshot returns a copy of the cached tasks.
func (b *TaskBoard) Snapshot() []domain.Task {
	return append([]domain.Task(nil), b.tasks.Get()...)
}

// Refresh reloads the tasks from the store.
func (b *TaskBoard) Refresh(ctx context.Context) error {
	seq := b.tasks.Begin()
	tasks, err := b.repo.GetTasks(ctx, b.userKey)
	if err != nil {
		return fmt.Errorf("refresh tasks: %w", err)
	}
	if b.tasks.Commit(seq, tasks) {
		b.publish()
	}
	return nil
}

// Toggle flips a task locally, then in the store. A failed store call is
// followed by a refresh so the board shows the stored state again.
func (b *TaskBoard) Toggle(ctx context.Context, taskID string) error {
	b.tasks.Update(func(cur []domain.Task) []domain.Task {
		next := make([]domain.Task, len(cur))
		copy(next, cur)
		for i := range next {
			if next[i].ID == taskID {
				next[i].Completed = !next[i].Completed
			}
		}
		return next
	})
	b.publish()

	if err := b.repo.ToggleTaskCompletion(ctx, b.userKey, taskID); err != nil {
		if rerr := b.Refresh(ctx); rerr != nil {
			b.logger.Warn("task refresh after failed toggle", "task_id", taskID, "error", rerr)
		}
		return fmt.Errorf("toggle task %s: %w", taskID, err)
	}
	return nil
}

func (b *TaskBoard) publish() {
	if b.publisher != nil {
		b.publisher.Publish(b.userID, events.TypeTasksUpdated, nil)
	}
}
