package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN channel fed by the documents trigger. The
// payload is the collection name.
const NotifyChannel = "documents_changed"

// PostgresStore keeps every collection in the documents table (JSONB bodies)
// and streams changes through LISTEN/NOTIFY.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendDocument(ctx context.Context, collection string, doc any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	id := uuid.New().String()
	// Client fields win over the server-observed createdAt default.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data)
		 VALUES ($1, $2, jsonb_build_object('createdAt', to_jsonb(now())) || $3::jsonb)`,
		collection, id, string(b))
	if err != nil {
		return "", fmt.Errorf("append %s: %w", collection, err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, collection, id string, patch Patch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		collection, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock %s/%s: %w", collection, id, err)
	}

	for _, op := range patch {
		if err := applyOp(ctx, tx, collection, id, op); err != nil {
			return fmt.Errorf("update %s/%s %s: %w", collection, id, op.Path, err)
		}
	}
	return tx.Commit(ctx)
}

func applyOp(ctx context.Context, tx pgx.Tx, collection, id string, op Op) error {
	if err := op.Path.validate(); err != nil {
		return err
	}
	// jsonb_set only creates the last path element, so parents are made objects first.
	for i := 1; i < len(op.Path); i++ {
		if _, err := tx.Exec(ctx,
			`UPDATE documents SET data = jsonb_set(data, $3::text[], '{}'::jsonb, true)
			 WHERE collection = $1 AND id = $2
			   AND jsonb_typeof(data #> $3::text[]) IS DISTINCT FROM 'object'`,
			collection, id, []string(op.Path[:i])); err != nil {
			return err
		}
	}

	v, err := json.Marshal(op.Value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	switch op.Kind {
	case OpSet:
		_, err = tx.Exec(ctx,
			`UPDATE documents SET data = jsonb_set(data, $3::text[], $4::jsonb, true), updated_at = now()
			 WHERE collection = $1 AND id = $2`,
			collection, id, []string(op.Path), string(v))
	case OpAppend:
		_, err = tx.Exec(ctx,
			`UPDATE documents SET data = jsonb_set(data, $3::text[],
			    (CASE WHEN jsonb_typeof(data #> $3::text[]) = 'array' THEN data #> $3::text[] ELSE '[]'::jsonb END) || $4::jsonb,
			    true), updated_at = now()
			 WHERE collection = $1 AND id = $2`,
			collection, id, []string(op.Path), string(v))
	case OpRemove:
		_, err = tx.Exec(ctx,
			`UPDATE documents SET data = jsonb_set(data, $3::text[], COALESCE(
			    (SELECT jsonb_agg(e.elem ORDER BY e.ord)
			       FROM jsonb_array_elements(data #> $3::text[]) WITH ORDINALITY AS e(elem, ord)
			      WHERE COALESCE(e.elem ->> $4::text, e.elem #>> '{}', '') NOT IN (SELECT jsonb_array_elements_text($5::jsonb))),
			    '[]'::jsonb), true), updated_at = now()
			 WHERE collection = $1 AND id = $2 AND jsonb_typeof(data #> $3::text[]) = 'array'`,
			collection, id, []string(op.Path), op.Key, string(v))
	default:
		err = fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return err
}

// Subscribe takes a dedicated connection out of the pool for the lifetime of
// the feed. The feed re-reads the full matching set on every notification for
// its collection.
func (s *PostgresStore) Subscribe(ctx context.Context, q Query) (Feed, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &pgFeed{
		conn:   conn,
		query:  q,
		ch:     make(chan []Document, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run(runCtx)
	return f, nil
}

// SelectSQL renders the query as a SELECT over the documents table.
func SelectSQL(q Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT id, data FROM documents WHERE collection = $1")
	args := []any{q.Collection}
	for _, f := range q.Where {
		args = append(args, strings.Split(f.Field, "."), fmt.Sprint(f.Value))
		fmt.Fprintf(&sb, " AND data #>> $%d::text[] = $%d", len(args)-1, len(args))
	}
	sb.WriteString(" ORDER BY seq")
	return sb.String(), args
}

type pgFeed struct {
	conn   *pgx.Conn
	query  Query
	ch     chan []Document
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (f *pgFeed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.ch)
	defer f.conn.Close(context.Background())

	if err := f.refresh(ctx); err != nil {
		f.fail(ctx, err)
		return
	}
	for {
		n, err := f.conn.WaitForNotification(ctx)
		if err != nil {
			f.fail(ctx, err)
			return
		}
		if n.Payload != f.query.Collection {
			continue
		}
		if err := f.refresh(ctx); err != nil {
			f.fail(ctx, err)
			return
		}
	}
}

func (f *pgFeed) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return // closed by the subscriber
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *pgFeed) refresh(ctx context.Context) error {
	sql, args := SelectSQL(f.query)
	rows, err := f.conn.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", f.query, err)
	}
	defer rows.Close()

	batch := []Document{}
	for rows.Next() {
		var d Document
		var data []byte
		if err := rows.Scan(&d.ID, &data); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		d.Data = data
		batch = append(batch, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}

	// Single sender: after draining a stale batch the send cannot block.
	select {
	case <-f.ch:
	default:
	}
	f.ch <- batch
	return nil
}

func (f *pgFeed) Batches() <-chan []Document { return f.ch }

func (f *pgFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *pgFeed) Close() {
	f.cancel()
	<-f.done
}
