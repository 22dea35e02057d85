package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PopGraph/app/repository"
	"github.com/ManuelReschke/PopGraph/internal/pkg/archive"
	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
)

// Dependencies are the services job processors call into. Archive is nil
// when callback archiving is disabled.
type Dependencies struct {
	Membership    *billing.MembershipService
	Events        repository.CallbackEventRepository
	Archive       archive.Archiver
	ArchiveConfig *archive.Config
}

// SetDependencies wires the services used by the processors
func (q *Queue) SetDependencies(deps Dependencies) {
	q.depsMu.Lock()
	q.deps = deps
	q.depsMu.Unlock()
}

func (q *Queue) dependencies() Dependencies {
	q.depsMu.RLock()
	defer q.depsMu.RUnlock()
	return q.deps
}

// processApplyMembershipJob retries the membership update of a paid order
func (q *Queue) processApplyMembershipJob(ctx context.Context, job *Job) error {
	payload, err := decodePayload[ApplyMembershipJobPayload](job.Payload)
	if err != nil {
		return fmt.Errorf("invalid apply membership payload: %w", err)
	}
	if payload.OrderID == "" {
		return errors.New("apply membership payload has no order_id")
	}
	deps := q.dependencies()
	if deps.Membership == nil {
		return errors.New("membership service is not configured")
	}

	applied, err := deps.Membership.ApplyOrder(ctx, payload.OrderID)
	if err != nil {
		return fmt.Errorf("apply membership for order %s: %w", payload.OrderID, err)
	}
	if applied {
		log.Infof("[JobQueue] Membership applied for order %s on retry", payload.OrderID)
	} else {
		log.Debugf("[JobQueue] Membership for order %s was already applied", payload.OrderID)
	}
	return nil
}

// processArchiveCallbackJob copies the raw payload of a callback event to the archive bucket
func (q *Queue) processArchiveCallbackJob(ctx context.Context, job *Job) error {
	payload, err := decodePayload[ArchiveCallbackJobPayload](job.Payload)
	if err != nil {
		return fmt.Errorf("invalid archive callback payload: %w", err)
	}
	deps := q.dependencies()
	if deps.Events == nil {
		return errors.New("callback event repository is not configured")
	}
	if deps.Archive == nil || deps.ArchiveConfig == nil {
		log.Debugf("[JobQueue] Callback archive disabled, dropping event %d", payload.EventID)
		return nil
	}

	event, err := deps.Events.GetByID(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("load callback event %d: %w", payload.EventID, err)
	}
	if event.ArchivedKey != "" {
		return nil
	}

	key := deps.ArchiveConfig.ObjectKey(event.Provider, event.ID, event.CreatedAt)
	contentType, _ := event.Headers["Content-Type"].(string)
	if err := deps.Archive.Put(ctx, key, []byte(event.PayloadRaw), contentType); err != nil {
		return err
	}
	if err := deps.Events.SetArchivedKey(ctx, event.ID, key); err != nil {
		return fmt.Errorf("record archive key for event %d: %w", event.ID, err)
	}
	log.Infof("[JobQueue] Archived callback event %d as %s", event.ID, key)
	return nil
}
