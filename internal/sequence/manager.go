package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

var sequenceTracer = otel.Tracer("gateway.internal.sequence")

const (
	stepKeyPrefix  = "sequence:"
	dataKeyPrefix  = "sequence_data:"
	lockKeyPrefix  = "sequence_lock:"
	emailKeyPrefix = "sequence:email:"
)

func stepKey(id string) string { return stepKeyPrefix + id }
func dataKey(id string) string { return dataKeyPrefix + id }
func lockKey(id string) string { return lockKeyPrefix + id }

func emailKey(email string) string {
	return emailKeyPrefix + strings.ToLower(strings.TrimSpace(email))
}

// Manager owns the registration state machine. The sequence key holds the
// next expected step; the data key holds the accumulated step payloads.
// Both always carry the same TTL and are written together.
type Manager struct {
	client     *redis.Client
	locker     *kv.Locker
	ttl        time.Duration
	maxRetries int
	logger     *logging.Logger
	now        func() time.Time
}

// NewManager builds a sequence manager over the shared KV client.
func NewManager(client *redis.Client, seqTTL, lockTTL time.Duration, maxRetries int, logger *logging.Logger) *Manager {
	if client == nil {
		panic("sequence: nil client")
	}
	if seqTTL <= 0 {
		seqTTL = time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		client:     client,
		locker:     kv.NewLocker(client, lockTTL, maxRetries),
		ttl:        seqTTL,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// snapshot is what a mutation sees inside the transaction.
type snapshot struct {
	step    Step
	hasStep bool
	rec     *Record
	hasData bool

	// set by the mutation
	nextStep   Step
	aliasEmail string
}

// mutate runs fn under the per-identifier lock and a WATCH transaction over
// the sequence and data keys, then writes back step, record, and any email
// alias with a refreshed TTL.
func (m *Manager) mutate(ctx context.Context, id, op string, fn func(s *snapshot) error) error {
	ctx, span := sequenceTracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("sequence.identifier", id))

	err := m.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		return kv.RunOptimistic(ctx, m.client, m.maxRetries, func(tx *redis.Tx) error {
			s := &snapshot{rec: &Record{}}

			if v, err := tx.Get(ctx, stepKey(id)).Result(); err == nil {
				s.step, s.hasStep = Step(v), true
			} else if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("sequence: read step: %w", err)
			}
			if raw, err := tx.Get(ctx, dataKey(id)).Result(); err == nil {
				if jsonErr := json.Unmarshal([]byte(raw), s.rec); jsonErr == nil {
					s.hasData = true
				} else {
					// Corrupt blob: treat as missing, the write below heals it.
					s.rec = &Record{}
				}
			} else if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("sequence: read data: %w", err)
			}

			s.nextStep = s.step
			if err := fn(s); err != nil {
				return err
			}

			blob, err := json.Marshal(s.rec)
			if err != nil {
				return fmt.Errorf("sequence: encode data: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, stepKey(id), string(s.nextStep), m.ttl)
				pipe.Set(ctx, dataKey(id), blob, m.ttl)
				if s.aliasEmail != "" {
					pipe.Set(ctx, emailKey(s.aliasEmail), id, m.ttl)
				}
				return nil
			})
			return err
		}, stepKey(id), dataKey(id))
	})
	if err != nil {
		span.RecordError(err)
	}
	return m.mapErr(op, err)
}

// mapErr folds infrastructure failures into the error taxonomy. Taxonomy
// errors pass through untouched.
func (m *Manager) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var taxonomy *errmap.Error
	if errors.As(err, &taxonomy) {
		return err
	}
	switch {
	case errors.Is(err, kv.ErrLockNotAcquired):
		return errmap.Wrap(errmap.CodeLockAcquisitionFailed, op, err)
	case errors.Is(err, kv.ErrTxConflict):
		return errmap.Wrap(errmap.CodeConcurrentModify, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errmap.Wrap(errmap.CodeTimeout, op, err)
	default:
		return errmap.Wrap(errmap.CodeKVError, op, err)
	}
}

// Start begins (or refreshes) a registration at the phone check. Stale
// partial data from an expired run is discarded.
func (m *Manager) Start(ctx context.Context, id string) error {
	err := m.mutate(ctx, id, "sequence.start", func(s *snapshot) error {
		if s.rec.Completed() {
			return errmap.New(errmap.CodeSequenceViolation, "sequence.start", "registration already completed")
		}
		if !s.hasStep {
			s.nextStep = StepCheckPhone
			s.rec = &Record{StartedAt: m.now().UTC()}
		}
		// Present sequence: keep step and data, the write refreshes TTLs.
		return nil
	})
	if err == nil {
		m.logger.Info("sequence started", "identifier", id)
	}
	return err
}

// ValidateStep checks that step is the one the sequence expects next. A
// missing sequence is legal only for the initial step, which auto-starts.
func (m *Manager) ValidateStep(ctx context.Context, id string, step Step) error {
	const op = "sequence.validate_step"

	current, hasStep, err := m.Current(ctx, id)
	if err != nil {
		return err
	}
	rec, hasData, err := m.GetData(ctx, id)
	if err != nil {
		return err
	}
	if rec.Completed() {
		return errmap.New(errmap.CodeSequenceViolation, op, "registration already completed")
	}

	if !hasStep {
		if step == StepCheckPhone {
			return m.Start(ctx, id)
		}
		if hasData {
			return errmap.New(errmap.CodeSequenceExpired, op, "")
		}
		return errmap.New(errmap.CodeSequenceViolation, op, "").WithDetails(map[string]any{
			"attempted_step": string(step),
			"expected_step":  string(StepCheckPhone),
		})
	}
	if current != step {
		return errmap.New(errmap.CodeSequenceViolation, op, "").WithDetails(map[string]any{
			"attempted_step": string(step),
			"expected_step":  string(current),
		})
	}
	return nil
}

// StoreStepData validates the payload against its schema and the
// predecessor's data, then merges it into the record atomically.
func (m *Manager) StoreStepData(ctx context.Context, id string, p Payload) error {
	const op = "sequence.store_data"
	if p == nil {
		return errmap.New(errmap.CodeInvalidData, op, "payload required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return m.mutate(ctx, id, op, func(s *snapshot) error {
		if s.rec.Completed() {
			return errmap.New(errmap.CodeSequenceViolation, op, "registration already completed")
		}
		if !s.hasStep {
			if p.Step() != StepCheckPhone {
				if s.hasData {
					return errmap.New(errmap.CodeSequenceExpired, op, "")
				}
				return errmap.New(errmap.CodeSequenceViolation, op, "")
			}
			// Implicit start: storing the first step seeds the sequence.
			s.nextStep = StepCheckPhone
			s.rec = &Record{StartedAt: m.now().UTC()}
		} else if s.step != p.Step() && s.step != Next(p.Step()) {
			// A step's payload may be rewritten while the sequence sits at
			// its successor (OTP re-requests, verification attempt counts).
			return errmap.New(errmap.CodeSequenceViolation, op, "").WithDetails(map[string]any{
				"attempted_step": string(p.Step()),
				"expected_step":  string(s.step),
			})
		}
		if err := s.rec.consistentWith(p); err != nil {
			return err
		}
		p.attach(s.rec)
		s.rec.LastUpdated = m.now().UTC()
		s.rec.LastError = ""
		s.aliasEmail = p.email()
		return nil
	})
}

// UpdateStep advances the sequence. The new step must be the current one
// (a TTL-refreshing re-write) or its immediate successor.
func (m *Manager) UpdateStep(ctx context.Context, id string, step Step) error {
	const op = "sequence.update_step"
	return m.mutate(ctx, id, op, func(s *snapshot) error {
		if s.rec.Completed() {
			return errmap.New(errmap.CodeSequenceViolation, op, "registration already completed")
		}
		if !s.hasStep {
			if s.hasData {
				return errmap.New(errmap.CodeSequenceExpired, op, "")
			}
			return errmap.New(errmap.CodeSequenceViolation, op, "")
		}
		if step != s.step && step != Next(s.step) {
			return errmap.New(errmap.CodeSequenceViolation, op, "").WithDetails(map[string]any{
				"attempted_step": string(step),
				"expected_step":  string(Next(s.step)),
			})
		}
		s.nextStep = step
		s.rec.LastUpdated = m.now().UTC()
		return nil
	})
}

// SetLastError records a step failure on the blob without advancing.
func (m *Manager) SetLastError(ctx context.Context, id, message string) error {
	const op = "sequence.set_last_error"
	return m.mutate(ctx, id, op, func(s *snapshot) error {
		if !s.hasStep && !s.hasData {
			return errmap.New(errmap.CodeSequenceNotFound, op, "")
		}
		s.rec.LastError = message
		s.rec.LastUpdated = m.now().UTC()
		return nil
	})
}

// Current returns the step the sequence expects next.
func (m *Manager) Current(ctx context.Context, id string) (Step, bool, error) {
	v, err := m.client.Get(ctx, stepKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, m.mapErr("sequence.current", err)
	}
	return Step(v), true, nil
}

// GetData returns the full record. Reads bypass the lock; a corrupt blob
// reads as missing.
func (m *Manager) GetData(ctx context.Context, id string) (*Record, bool, error) {
	raw, err := m.client.Get(ctx, dataKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, m.mapErr("sequence.get_data", err)
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// ResolveEmail maps a verification email back to its sequence identifier.
func (m *Manager) ResolveEmail(ctx context.Context, email string) (string, bool, error) {
	id, err := m.client.Get(ctx, emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, m.mapErr("sequence.resolve_email", err)
	}
	return id, true, nil
}

// Clear removes the sequence, its data, its lock, and any email aliases.
func (m *Manager) Clear(ctx context.Context, id string) error {
	keys := []string{stepKey(id), dataKey(id), lockKey(id)}
	if rec, ok, _ := m.GetData(ctx, id); ok {
		for _, email := range rec.emails() {
			keys = append(keys, emailKey(email))
		}
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return m.mapErr("sequence.clear", err)
	}
	m.logger.Info("sequence cleared", "identifier", id)
	return nil
}

// CleanupExpired removes data blobs whose sequence key already expired and
// returns how many it removed. Run periodically; safe to run concurrently.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	const op = "sequence.cleanup_expired"
	removed := 0
	iter := m.client.Scan(ctx, 0, dataKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, dataKeyPrefix)
		exists, err := m.client.Exists(ctx, stepKey(id)).Result()
		if err != nil {
			return removed, m.mapErr(op, err)
		}
		if exists > 0 {
			continue
		}
		if err := m.Clear(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, m.mapErr(op, err)
	}
	if removed > 0 {
		m.logger.Info("expired sequences cleaned", "removed", removed)
	}
	return removed, nil
}
