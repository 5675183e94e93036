// Package ingest turns uploaded documents and emails into corpus records:
// processors store bodies and queue embedding jobs, the Worker drains them.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helmstream/helmstream/internal/content"
	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/retrieval"
	"github.com/helmstream/helmstream/internal/storage"
	"github.com/helmstream/helmstream/internal/textutil"
)

// JobTypeEmbedRecord is the job type carrying a record awaiting its embedding.
const JobTypeEmbedRecord = "embed_record"

// PreviewChars bounds the stored preview of every record.
const PreviewChars = 500

// Defaults applied to incomplete uploads.
const (
	DefaultDocumentType  = "general"
	DefaultDocumentTitle = "Untitled Document"
	DefaultSenderRole    = "Unknown"
	DefaultEmailType     = "general"
	DefaultEventCategory = "operational"
	unknownMonth         = "unknown"
	notAvailable         = "N/A"
)

// ErrInvalid is returned for uploads missing required fields or carrying
// malformed values.
var ErrInvalid = errors.New("invalid ingest request")

// Queue accepts embedding jobs.
type Queue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// ContentWriter stores full bodies.
type ContentWriter interface {
	Put(ctx context.Context, ref, contentType string, body []byte) error
}

// Document is an uploaded document. Text wins over ContentBase64 when both
// are set.
type Document struct {
	ID            string            `json:"id,omitempty"`
	Title         string            `json:"title,omitempty"`
	Type          string            `json:"type,omitempty"`
	Format        string            `json:"format,omitempty" validate:"omitempty,oneof=text html pdf"`
	Text          string            `json:"text,omitempty"`
	ContentBase64 string            `json:"content_base64,omitempty" validate:"omitempty,base64"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Email is an uploaded email. The JSON names match the stored email document.
type Email struct {
	ID            string   `json:"id,omitempty"`
	Date          string   `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Time          string   `json:"time,omitempty" validate:"omitempty,datetime=15:04"`
	Sender        string   `json:"sender" validate:"required"`
	SenderRole    string   `json:"sender_role,omitempty"`
	Recipients    []string `json:"recipients,omitempty"`
	Subject       string   `json:"subject" validate:"required"`
	Body          string   `json:"body" validate:"required"`
	EmailType     string   `json:"email_type,omitempty"`
	Month         string   `json:"month,omitempty"`
	Vessel        string   `json:"vessel_involved,omitempty"`
	EventCategory string   `json:"event_category,omitempty"`
}

// Result describes an accepted upload.
type Result struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	ContentRef string `json:"content_ref"`
	JobID      string `json:"job_id"`
}

// pendingRecord is the embed_record job payload.
type pendingRecord struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title"`
	ContentRef string            `json:"content_ref"`
	Preview    string            `json:"preview"`
	Metadata   map[string]string `json:"metadata"`
	EmbedText  string            `json:"embed_text"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Processor validates uploads, stores their bodies and queues their
// embedding.
type Processor struct {
	contents ContentWriter
	queue    Queue
	now      func() time.Time
	logger   *slog.Logger
}

// NewProcessor creates a Processor writing bodies to contents and jobs to
// queue.
func NewProcessor(contents ContentWriter, queue Queue) *Processor {
	return &Processor{
		contents: contents,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

// IngestDocument stores a document body and queues its embedding.
func (p *Processor) IngestDocument(ctx context.Context, d Document) (Result, error) {
	text, err := documentText(d)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: document text is required", ErrInvalid)
	}

	now := p.now()
	docType := orDefault(d.Type, DefaultDocumentType)
	title := orDefault(d.Title, DefaultDocumentTitle)
	id := d.ID
	if id == "" {
		id = "doc_" + ingestStamp(now) + "_" + uuid.NewString()[:8]
	}

	meta := make(map[string]string, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta[filter.KeyType] = docType

	ref := content.Locator("documents", docType, id+".txt")
	if err := p.contents.Put(ctx, ref, content.TypeText, []byte(text)); err != nil {
		return Result{}, fmt.Errorf("storing document %s: %w", id, err)
	}

	jobID, err := p.enqueue(ctx, pendingRecord{
		ID:         id,
		Kind:       retrieval.KindDocument,
		Title:      title,
		ContentRef: ref,
		Preview:    textutil.Truncate(text, PreviewChars),
		Metadata:   meta,
		EmbedText:  text,
		CreatedAt:  now,
	})
	if err != nil {
		return Result{}, err
	}

	p.logger.Info("document queued", "record_id", id, "type", docType, "chars", textutil.Len(text))
	return Result{ID: id, Status: "processed", Type: docType, Title: title, ContentRef: ref, JobID: jobID}, nil
}

func documentText(d Document) (string, error) {
	if d.Text != "" {
		if d.Format == "" || d.Format == content.FormatText {
			return d.Text, nil
		}
		text, err := content.ExtractText(d.Format, []byte(d.Text))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return text, nil
	}
	if d.ContentBase64 == "" {
		return "", fmt.Errorf("%w: document text is required", ErrInvalid)
	}
	data, err := base64.StdEncoding.DecodeString(d.ContentBase64)
	if err != nil {
		return "", fmt.Errorf("%w: decoding content_base64: %v", ErrInvalid, err)
	}
	text, err := content.ExtractText(orDefault(d.Format, content.FormatText), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return text, nil
}

// IngestEmail stores an email document and queues its embedding.
func (p *Processor) IngestEmail(ctx context.Context, e Email) (Result, error) {
	if strings.TrimSpace(e.Sender) == "" || strings.TrimSpace(e.Subject) == "" || strings.TrimSpace(e.Body) == "" {
		return Result{}, fmt.Errorf("%w: sender, subject and body are required", ErrInvalid)
	}
	if e.Date != "" {
		if _, err := time.Parse("2006-01-02", e.Date); err != nil {
			return Result{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalid)
		}
	}
	if e.Time != "" {
		if _, err := time.Parse("15:04", e.Time); err != nil {
			return Result{}, fmt.Errorf("%w: time must be HH:MM", ErrInvalid)
		}
	}

	now := p.now()
	e.SenderRole = orDefault(e.SenderRole, DefaultSenderRole)
	e.EmailType = orDefault(e.EmailType, DefaultEmailType)
	e.EventCategory = orDefault(e.EventCategory, DefaultEventCategory)
	if e.Month == "" && len(e.Date) >= 7 {
		e.Month = e.Date[5:7]
	}
	if e.ID == "" {
		e.ID = emailID(e, now)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return Result{}, fmt.Errorf("encoding email %s: %w", e.ID, err)
	}
	ref := content.Locator("emails", orDefault(e.Month, unknownMonth), e.ID+".json")
	if err := p.contents.Put(ctx, ref, content.TypeJSON, body); err != nil {
		return Result{}, fmt.Errorf("storing email %s: %w", e.ID, err)
	}

	meta := map[string]string{
		filter.KeySender:        e.Sender,
		filter.KeySenderRole:    e.SenderRole,
		filter.KeyVessel:        orDefault(e.Vessel, notAvailable),
		filter.KeyEventCategory: e.EventCategory,
		"email_type":            e.EmailType,
	}
	if e.Month != "" {
		meta[filter.KeyMonth] = e.Month
	}
	if e.Date != "" {
		meta[filter.DateField] = e.Date
	}
	if e.Time != "" {
		meta["time"] = e.Time
	}

	jobID, err := p.enqueue(ctx, pendingRecord{
		ID:         e.ID,
		Kind:       retrieval.KindEmail,
		Title:      e.Subject,
		ContentRef: ref,
		Preview:    textutil.Truncate(e.Body, PreviewChars),
		Metadata:   meta,
		EmbedText:  emailEmbedText(e),
		CreatedAt:  now,
	})
	if err != nil {
		return Result{}, err
	}

	p.logger.Info("email queued", "record_id", e.ID, "sender", e.Sender, "vessel", meta[filter.KeyVessel])
	return Result{ID: e.ID, Status: "processed", Type: e.EmailType, Title: e.Subject, ContentRef: ref, JobID: jobID}, nil
}

// emailID is email_YYYYMMDD_HHMM when the email carries a date and time,
// otherwise a timestamp of ingestion.
func emailID(e Email, now time.Time) string {
	if e.Date != "" && e.Time != "" {
		return "email_" + strings.ReplaceAll(e.Date, "-", "") + "_" + strings.ReplaceAll(e.Time, ":", "")
	}
	return "email_" + ingestStamp(now)
}

// ingestStamp renders now as YYYYMMDD_HHMMSS_ffffff. Go only expands
// fractional seconds after a '.' so the separator is swapped afterwards.
func ingestStamp(now time.Time) string {
	return strings.Replace(now.Format("20060102_150405.000000"), ".", "_", 1)
}

// emailEmbedText prefixes the body with a header block so sender, vessel and
// category take part in similarity.
func emailEmbedText(e Email) string {
	recipients := notAvailable
	if len(e.Recipients) > 0 {
		recipients = strings.Join(e.Recipients, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sender: %s (%s)\n", e.Sender, e.SenderRole)
	fmt.Fprintf(&b, "Recipients: %s\n", recipients)
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "Date: %s %s\n", e.Date, e.Time)
	fmt.Fprintf(&b, "Vessel: %s\n", orDefault(e.Vessel, notAvailable))
	fmt.Fprintf(&b, "Category: %s\n\n", e.EventCategory)
	b.WriteString(e.Body)
	return b.String()
}

func (p *Processor) enqueue(ctx context.Context, rec pendingRecord) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeEmbedRecord,
		PayloadJSON: string(payload),
	}
	if err := p.queue.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("queueing embedding for %s: %w", rec.ID, err)
	}
	return job.ID, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
