package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"authgate.org/internal/auth"
	"authgate.org/internal/ids"
	"authgate.org/internal/obs"
)

// Entry is a single audit record as stored in the audit_log table.
type Entry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Outcome    string         `json:"outcome"`
	Resource   string         `json:"resource,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type ctxKey struct{}

// WithRequestID stamps a request identifier on the context so that
// audit entries written during the request can be correlated.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestIDFromContext returns the request identifier, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Recorder persists audit entries asynchronously. Record never blocks
// the caller: entries go through a buffered channel and a single writer
// goroutine. When the buffer is full the entry is dropped and counted.
// A nil database is allowed, in which case entries are only logged.
type Recorder struct {
	db *sql.DB

	ch     chan Entry
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
	now    func() time.Time
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the time source, for tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder starts the writer goroutine and returns the recorder.
// Callers must Close it on shutdown to flush buffered entries.
func NewRecorder(db *sql.DB, buffer int, opts ...RecorderOption) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		db:     db,
		ch:     make(chan Entry, buffer),
		closed: make(chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record implements auth.AuditSink. The entry is enriched with the
// request identifier and the acting principal from the context when
// the event itself does not carry them.
func (r *Recorder) Record(ctx context.Context, event auth.AuditEvent) {
	e := Entry{
		ID:         ids.New(),
		OccurredAt: r.now().UTC(),
		Action:     event.Action,
		Actor:      event.Actor,
		Outcome:    event.Outcome,
		Resource:   event.Resource,
		TraceID:    event.TraceID,
		DurationMS: event.Duration.Milliseconds(),
		Fields:     event.Fields,
	}
	if e.Actor == "" {
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			e.Actor = p.Username
		}
	}
	if e.TraceID == "" {
		e.TraceID = RequestIDFromContext(ctx)
	}
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.ch <- e:
	default:
		obs.IncAuditDropped()
	}
}

// Close stops accepting entries and waits for the writer to drain.
// The entry channel itself is never closed so a Record racing Close
// cannot panic; late entries are simply discarded.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.closed) })
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-r.closed:
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e Entry) {
	logger := obs.Logger()
	line, err := json.Marshal(struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
		Entry
	}{Level: "info", Msg: "audit", Entry: e})
	if err == nil {
		logger.Println(string(line))
	}
	if r.db == nil {
		return
	}
	var fields []byte
	if len(e.Fields) > 0 {
		fields, _ = json.Marshal(e.Fields)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = r.db.ExecContext(ctx,
		`insert into audit_log (id, occurred_at, action, actor, outcome, resource, trace_id, duration_ms, fields)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.OccurredAt, e.Action, e.Actor, e.Outcome,
		nullString(e.Resource), nullString(e.TraceID), e.DurationMS, nullBytes(fields))
	if err != nil {
		obs.Event("error", "audit insert failed", map[string]any{"error": err.Error()})
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Query reads audit entries back for the admin API.
type Query struct {
	db *sql.DB
}

// NewQuery returns a read-side accessor over the same audit_log table.
func NewQuery(db *sql.DB) *Query {
	return &Query{db: db}
}

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	Actor  string
	Action string
	Since  time.Time
	Until  time.Time
	Offset int
	Limit  int
}

const entryColumns = `id, occurred_at, action, actor, outcome, resource, trace_id, duration_ms, fields`

// List returns a page of entries, newest first, plus the total count
// matching the filter.
func (q *Query) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	if q.db == nil {
		return nil, 0, errors.New("audit: no database configured")
	}
	where := ` where 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		where += clause + argn(n)
		args = append(args, v)
	}
	if f.Actor != "" {
		add(` and actor = `, f.Actor)
	}
	if f.Action != "" {
		add(` and action = `, f.Action)
	}
	if !f.Since.IsZero() {
		add(` and occurred_at >= `, f.Since)
	}
	if !f.Until.IsZero() {
		add(` and occurred_at < `, f.Until)
	}

	var total int
	if err := q.db.QueryRowContext(ctx, `select count(*) from audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `select ` + entryColumns + ` from audit_log` + where +
		` order by occurred_at desc limit ` + argn(n+1) + ` offset ` + argn(n+2)
	rows, err := q.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Find returns a single entry by id.
func (q *Query) Find(ctx context.Context, id string) (Entry, error) {
	if q.db == nil {
		return Entry{}, errors.New("audit: no database configured")
	}
	row := q.db.QueryRowContext(ctx, `select `+entryColumns+` from audit_log where id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, auth.ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		resource sql.NullString
		trace    sql.NullString
		fields   []byte
	)
	err := s.Scan(&e.ID, &e.OccurredAt, &e.Action, &e.Actor, &e.Outcome,
		&resource, &trace, &e.DurationMS, &fields)
	if err != nil {
		return Entry{}, err
	}
	e.Resource = resource.String
	e.TraceID = trace.String
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func argn(n int) string {
	return "$" + strconv.Itoa(n)
}
