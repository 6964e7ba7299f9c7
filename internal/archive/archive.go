// Package archive writes terminal resolution tasks to a BlobStore as JSON
// documents partitioned by day.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

const defaultPrefix = "resolutions"

// Record is the archived form of a task. The token itself is never written.
type Record struct {
	TaskID         string              `json:"task_id"`
	VendorTaskID   string              `json:"vendor_task_id,omitempty"`
	CorrelationKey string              `json:"correlation_key"`
	SiteKey        string              `json:"site_key"`
	PageURL        string              `json:"page_url"`
	Invisible      bool                `json:"invisible"`
	Provider       string              `json:"provider"`
	State          captcha.TaskState   `json:"state"`
	Transitions    []captcha.TaskState `json:"transitions"`
	Attempts       int                 `json:"attempts"`
	Solved         bool                `json:"solved"`
	Reason         string              `json:"reason,omitempty"`
	Error          string              `json:"error,omitempty"`
	SubmittedAt    time.Time           `json:"submitted_at"`
	Deadline       time.Time           `json:"deadline"`
	FinishedAt     time.Time           `json:"finished_at"`
}

// NewRecord converts task.
func NewRecord(task captcha.ResolutionTask) Record {
	rec := Record{
		TaskID:         task.ID,
		VendorTaskID:   task.VendorTaskID,
		CorrelationKey: task.Descriptor.CorrelationKey,
		SiteKey:        task.Descriptor.SiteKey,
		PageURL:        task.Descriptor.PageURL,
		Invisible:      task.Descriptor.Invisible,
		Provider:       task.Provider,
		State:          task.State,
		Transitions:    task.Transitions,
		Attempts:       task.Attempts,
		Solved:         task.State == captcha.StateSolved && task.Solution != "",
		Reason:         captcha.Reason(task.Err),
		SubmittedAt:    task.SubmittedAt,
		Deadline:       task.Deadline,
		FinishedAt:     task.FinishedAt,
	}
	if task.Err != nil {
		rec.Error = task.Err.Error()
	}
	return rec
}

// Archiver implements resolution.Recorder.
type Archiver struct {
	store  captcha.BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Archiver writing under prefix.
func New(store captcha.BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, captcha.Configuration("new archiver", "blob store is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, prefix: prefix, logger: logger}, nil
}

// ObjectPath returns <prefix>/<yyyy>/<mm>/<dd>/<task_id>.json for task,
// dated by its finish time.
func (a *Archiver) ObjectPath(task captcha.ResolutionTask) string {
	at := task.FinishedAt
	if at.IsZero() {
		at = task.SubmittedAt
	}
	at = at.UTC()
	return path.Join(a.prefix, at.Format("2006"), at.Format("01"), at.Format("02"), task.ID+".json")
}

// Record writes task to the blob store.
func (a *Archiver) Record(ctx context.Context, task captcha.ResolutionTask) error {
	if task.ID == "" {
		return captcha.Configuration("archive task", "task id is required")
	}
	body, err := json.Marshal(NewRecord(task))
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	uri, err := a.store.PutObject(ctx, a.ObjectPath(task), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	a.logger.Debug("archived resolution", zap.String("task_id", task.ID), zap.String("uri", uri))
	return nil
}
