// Package frame defines the frame event that flows through framebus and its
// wire codec for stream entries.
//
// A frame event describes a single captured video frame by reference: the
// pixel payload stays in external storage and only content_ref travels on
// the stream. Entries are flat field-value pairs; the metadata and
// trace_context maps are JSON-encoded into single fields so that any stream
// client can read the scalar fields without a decoder. Fields this codec
// does not recognize are preserved verbatim across hops.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stream and group names shared by the ingest agent, the orchestrator, and
// processor consumers.
const (
	// StreamIngest carries frame events from the ingest agent.
	StreamIngest = "frames:metadata"
	// GroupIngest is the orchestrator's consumer group on StreamIngest.
	GroupIngest = "frame-buffer-group"
	// GroupProcessors is the consumer group on every work queue.
	GroupProcessors = "frame-processors"
	// StreamResults receives FrameProcessed events from processors.
	StreamResults = "frames:processed"
	// StreamMalformedDLQ parks ingest entries that failed validation.
	StreamMalformedDLQ = "frames:dlq:_malformed"
)

// WorkQueueName returns the work-queue stream for one processor.
func WorkQueueName(processorID string) string {
	return "frames:ready:" + processorID
}

// DLQName returns the dead-letter stream for one processor.
func DLQName(processorID string) string {
	return "frames:dlq:" + processorID
}

// Stream entry field names.
const (
	FieldFrameID       = "frame_id"
	FieldCameraID      = "camera_id"
	FieldTimestamp     = "timestamp"
	FieldSizeBytes     = "size_bytes"
	FieldWidth         = "width"
	FieldHeight        = "height"
	FieldFormat        = "format"
	FieldContentRef    = "content_ref"
	FieldMetadata      = "metadata"
	FieldTraceContext  = "trace_context"
	FieldDispatchID    = "dispatch_id"
	FieldFailureReason = "failure_reason"
	FieldProcessorID   = "processor_id"
	FieldResult        = "result"
)

// Recognized metadata keys.
const (
	// MetadataDetectionHint holds the comma-separated capability hints
	// used for routing.
	MetadataDetectionHint = "detection_hint"
	// MetadataPriority holds the admission priority, 0..9.
	MetadataPriority = "priority"
)

// DefaultPriority applies when metadata carries no usable priority.
const DefaultPriority = 5

// timestampLayout is RFC 3339 with millisecond precision, the wire format
// for capture instants.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DefaultMaxClockSkew bounds how far ahead of the consumer's clock a capture
// timestamp may sit before the frame is rejected as malformed.
const DefaultMaxClockSkew = 5 * time.Minute

// Validation errors returned by Frame.Validate and FromFields.
var (
	ErrMissingFrameID  = errors.New("frame: missing frame_id")
	ErrMissingCameraID = errors.New("frame: missing camera_id")
	ErrBadTimestamp    = errors.New("frame: timestamp is not an RFC 3339 instant")
	ErrFutureTimestamp = errors.New("frame: timestamp beyond clock-skew allowance")
	ErrBadNumericField = errors.New("frame: numeric field is not an integer")
)

// Frame is a single frame event.
type Frame struct {
	// FrameID uniquely identifies the frame across all cameras, format
	// <timestamp>_<camera_id>_<sequence>.
	FrameID string `json:"frame_id"`

	// CameraID identifies the producing camera.
	CameraID string `json:"camera_id"`

	// Timestamp is the UTC capture instant, millisecond precision on the
	// wire.
	Timestamp time.Time `json:"timestamp"`

	// SizeBytes, Width, Height and Format describe the payload. They are
	// informational and never authoritative.
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Format    string `json:"format,omitempty"`

	// ContentRef optionally locates the pixel payload in external storage.
	ContentRef string `json:"content_ref,omitempty"`

	// Metadata carries producer-supplied annotations. detection_hint and
	// priority are recognized; everything else passes through untouched.
	Metadata map[string]any `json:"metadata,omitempty"`

	// TraceContext carries W3C trace propagation headers (traceparent,
	// tracestate, baggage) with lower-case keys.
	TraceContext map[string]string `json:"trace_context,omitempty"`

	// Extra holds entry fields this codec does not recognize. They are
	// re-emitted verbatim so newer producers can pass fields through
	// older orchestrators.
	Extra map[string]string `json:"-"`
}

// FormatFrameID builds the canonical frame id for a capture instant,
// camera, and per-camera sequence number.
func FormatFrameID(ts time.Time, cameraID string, sequence uint64) string {
	return fmt.Sprintf("%d_%s_%d", ts.UnixMilli(), cameraID, sequence)
}

// Validate checks the fields every consumer relies on, with the wall clock
// as the reference instant and DefaultMaxClockSkew as the allowance.
// Descriptive fields are not validated; producers own their accuracy.
func (f *Frame) Validate() error {
	return f.ValidateAt(time.Now(), DefaultMaxClockSkew)
}

// ValidateAt is Validate against an explicit reference instant and
// clock-skew allowance. A timestamp more than skew ahead of now fails with
// ErrFutureTimestamp.
func (f *Frame) ValidateAt(now time.Time, skew time.Duration) error {
	if f.FrameID == "" {
		return ErrMissingFrameID
	}
	if f.CameraID == "" {
		return ErrMissingCameraID
	}
	if f.Timestamp.IsZero() {
		return ErrBadTimestamp
	}
	if f.Timestamp.After(now.Add(skew)) {
		return fmt.Errorf("%w: %s", ErrFutureTimestamp, f.Timestamp.UTC().Format(timestampLayout))
	}
	return nil
}

// DetectionHints parses metadata.detection_hint into a normalized capability
// list: comma-separated, whitespace-trimmed, lower-cased, empties dropped.
// A missing, non-string, or empty hint returns nil.
func (f *Frame) DetectionHints() []string {
	raw, _ := f.Metadata[MetadataDetectionHint].(string)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	hints := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			hints = append(hints, p)
		}
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

// Priority returns metadata.priority clamped to 0..9, or DefaultPriority
// when absent or unusable. JSON decoding hands numbers over as float64, so
// several shapes are accepted.
func (f *Frame) Priority() int {
	v, ok := f.Metadata[MetadataPriority]
	if !ok {
		return DefaultPriority
	}
	var p int
	switch n := v.(type) {
	case float64:
		p = int(n)
	case int:
		p = n
	case int64:
		p = int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return DefaultPriority
		}
		p = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return DefaultPriority
		}
		p = i
	default:
		return DefaultPriority
	}
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return p
}

// Clone returns a deep copy. Fan-out dispatches mutate the trace context per
// target, so each queue write gets its own copy.
func (f *Frame) Clone() Frame {
	out := *f
	if f.Metadata != nil {
		out.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	if f.TraceContext != nil {
		out.TraceContext = make(map[string]string, len(f.TraceContext))
		for k, v := range f.TraceContext {
			out.TraceContext[k] = v
		}
	}
	if f.Extra != nil {
		out.Extra = make(map[string]string, len(f.Extra))
		for k, v := range f.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// knownFields is the set of entry fields the codec decodes into typed
// struct fields. Everything else lands in Extra.
var knownFields = map[string]struct{}{
	FieldFrameID:      {},
	FieldCameraID:     {},
	FieldTimestamp:    {},
	FieldSizeBytes:    {},
	FieldWidth:        {},
	FieldHeight:       {},
	FieldFormat:       {},
	FieldContentRef:   {},
	FieldMetadata:     {},
	FieldTraceContext: {},
}

// Fields encodes the frame as a flat stream entry value map. Scalars are
// written as strings so a round trip through the stream is exact; the two
// maps are JSON-encoded. Optional fields are omitted when empty.
func (f *Frame) Fields() (map[string]any, error) {
	values := map[string]any{
		FieldFrameID:   f.FrameID,
		FieldCameraID:  f.CameraID,
		FieldTimestamp: f.Timestamp.UTC().Format(timestampLayout),
		FieldSizeBytes: strconv.FormatInt(f.SizeBytes, 10),
		FieldWidth:     strconv.Itoa(f.Width),
		FieldHeight:    strconv.Itoa(f.Height),
		FieldFormat:    f.Format,
	}
	if f.ContentRef != "" {
		values[FieldContentRef] = f.ContentRef
	}
	if len(f.Metadata) > 0 {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, fmt.Errorf("frame: encode metadata: %w", err)
		}
		values[FieldMetadata] = string(b)
	}
	if len(f.TraceContext) > 0 {
		tc := make(map[string]string, len(f.TraceContext))
		for k, v := range f.TraceContext {
			tc[strings.ToLower(k)] = v
		}
		b, err := json.Marshal(tc)
		if err != nil {
			return nil, fmt.Errorf("frame: encode trace context: %w", err)
		}
		values[FieldTraceContext] = string(b)
	}
	for k, v := range f.Extra {
		if _, known := knownFields[k]; !known {
			values[k] = v
		}
	}
	return values, nil
}

// FromFields decodes a stream entry value map into a Frame and validates it.
func FromFields(values map[string]any) (Frame, error) {
	var f Frame
	var err error

	f.FrameID = stringField(values, FieldFrameID)
	f.CameraID = stringField(values, FieldCameraID)
	f.Format = stringField(values, FieldFormat)
	f.ContentRef = stringField(values, FieldContentRef)

	if raw := stringField(values, FieldTimestamp); raw != "" {
		f.Timestamp, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %q", ErrBadTimestamp, raw)
		}
	}
	if f.SizeBytes, err = int64Field(values, FieldSizeBytes); err != nil {
		return Frame{}, err
	}
	var n int64
	if n, err = int64Field(values, FieldWidth); err != nil {
		return Frame{}, err
	}
	f.Width = int(n)
	if n, err = int64Field(values, FieldHeight); err != nil {
		return Frame{}, err
	}
	f.Height = int(n)

	if raw := stringField(values, FieldMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Metadata); err != nil {
			return Frame{}, fmt.Errorf("frame: decode metadata: %w", err)
		}
	}
	if raw := stringField(values, FieldTraceContext); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.TraceContext); err != nil {
			return Frame{}, fmt.Errorf("frame: decode trace context: %w", err)
		}
	}

	for k := range values {
		if _, known := knownFields[k]; !known {
			if f.Extra == nil {
				f.Extra = make(map[string]string)
			}
			f.Extra[k] = stringField(values, k)
		}
	}

	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Dispatch is one queued copy of a frame bound for a single processor. The
// dispatch id is unique per copy; the trace context is the per-target child
// context, not the ingest context.
type Dispatch struct {
	Frame      Frame
	DispatchID string
}

// Fields encodes the dispatch for a work-queue entry.
func (d *Dispatch) Fields() (map[string]any, error) {
	values, err := d.Frame.Fields()
	if err != nil {
		return nil, err
	}
	values[FieldDispatchID] = d.DispatchID
	return values, nil
}

// DispatchFromFields decodes a work-queue entry.
func DispatchFromFields(values map[string]any) (Dispatch, error) {
	f, err := FromFields(values)
	if err != nil {
		return Dispatch{}, err
	}
	d := Dispatch{Frame: f, DispatchID: stringField(values, FieldDispatchID)}
	if d.Frame.Extra != nil {
		delete(d.Frame.Extra, FieldDispatchID)
		if len(d.Frame.Extra) == 0 {
			d.Frame.Extra = nil
		}
	}
	return d, nil
}

// Result is a FrameProcessed event for the downstream result stream.
type Result struct {
	FrameID      string
	ProcessorID  string
	Payload      json.RawMessage
	TraceContext map[string]string
}

// Fields encodes the result as a stream entry value map.
func (r *Result) Fields() (map[string]any, error) {
	values := map[string]any{
		FieldFrameID:     r.FrameID,
		FieldProcessorID: r.ProcessorID,
	}
	if len(r.Payload) > 0 {
		values[FieldResult] = string(r.Payload)
	}
	if len(r.TraceContext) > 0 {
		b, err := json.Marshal(r.TraceContext)
		if err != nil {
			return nil, fmt.Errorf("frame: encode trace context: %w", err)
		}
		values[FieldTraceContext] = string(b)
	}
	return values, nil
}

// ResultFromFields decodes a result stream entry.
func ResultFromFields(values map[string]any) (Result, error) {
	r := Result{
		FrameID:     stringField(values, FieldFrameID),
		ProcessorID: stringField(values, FieldProcessorID),
	}
	if raw := stringField(values, FieldResult); raw != "" {
		r.Payload = json.RawMessage(raw)
	}
	if raw := stringField(values, FieldTraceContext); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.TraceContext); err != nil {
			return Result{}, fmt.Errorf("frame: decode trace context: %w", err)
		}
	}
	if r.FrameID == "" {
		return Result{}, ErrMissingFrameID
	}
	return r, nil
}

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func int64Field(values map[string]any, key string) (int64, error) {
	raw := stringField(values, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadNumericField, key, raw)
	}
	return n, nil
}
