// Package vault holds the provider credential encrypted at rest and watches how
// it is used. Plaintext exists only for the duration of a GetKey call.
package vault

import (
	"crypto/cipher"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
)

var (
	ErrWeakEncryptionKey = errors.New("encryption key must be at least 32 characters")
	ErrEmptySecret       = errors.New("secret must not be empty")
	ErrKeyNotFound       = errors.New("key not found")
	ErrDecrypt           = errors.New("failed to decrypt key")
)

// MinEncryptionKeyLength is the shortest accepted ENCRYPTION_KEY.
const MinEncryptionKeyLength = 32

// Environment tags a stored key with the deployment it belongs to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ParseEnvironment maps a config value onto an Environment, defaulting to development.
func ParseEnvironment(s string) Environment {
	switch Environment(s) {
	case EnvProduction, EnvStaging:
		return Environment(s)
	}
	return EnvDevelopment
}

// DeactivationReason records why a key stopped serving.
type DeactivationReason string

const (
	ReasonExpired       DeactivationReason = "EXPIRED"
	ReasonRotated       DeactivationReason = "ROTATED"
	ReasonSecurityBlock DeactivationReason = "TEMPORARY_SECURITY_BLOCK"
	ReasonManual        DeactivationReason = "MANUAL"
)

// Usage event error codes.
const (
	CodeKeyNotFound   = "KEY_NOT_FOUND"
	CodeKeyInactive   = "KEY_INACTIVE"
	CodeKeyExpired    = "KEY_EXPIRED"
	CodeDecryptFailed = "DECRYPT_FAILED"
)

// VaultedKey is one encrypted provider secret plus its lifecycle state.
type VaultedKey struct {
	KeyID              string
	Ciphertext         []byte
	IV                 []byte
	AuthTag            []byte
	CreatedAt          time.Time
	LastUsed           time.Time
	UsageCount         int64
	IsActive           bool
	Environment        Environment
	RotationScheduled  *time.Time
	DeactivatedAt      *time.Time
	DeactivationReason DeactivationReason
	BlockedUntil       *time.Time
	RetireAt           *time.Time

	rotationNotified bool
}

// UsageEvent records one access attempt. Signature is an HMAC over the other
// fields and only proves the record was not edited after the fact.
type UsageEvent struct {
	Timestamp time.Time
	KeyID     string
	ClientIP  string
	Operation string
	Success   bool
	ErrorCode string
	Signature string
}

// AuditRecord is a key lifecycle change.
type AuditRecord struct {
	Time   time.Time
	KeyID  string
	Action string
	Reason string
}

// Config tunes anomaly detection and retention.
type Config struct {
	MaxKeyAge                   time.Duration
	RotationInterval            time.Duration
	AnomalyWindow               time.Duration
	UnusualUsageThreshold       int
	ErrorRateThreshold          float64
	MinErrorRateSamples         int
	SuspiciousActivityThreshold int
	BlockCooldown               time.Duration
	RotationGrace               time.Duration
	PurgeAfter                  time.Duration
	UsageRetention              time.Duration
	AuditRetention              time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxKeyAge:                   90 * 24 * time.Hour,
		AnomalyWindow:               time.Minute,
		UnusualUsageThreshold:       100,
		ErrorRateThreshold:          0.5,
		MinErrorRateSamples:         5,
		SuspiciousActivityThreshold: 10,
		BlockCooldown:               5 * time.Minute,
		RotationGrace:               30 * time.Second,
		PurgeAfter:                  7 * 24 * time.Hour,
		UsageRetention:              24 * time.Hour,
		AuditRetention:              30 * 24 * time.Hour,
	}
}

// KeyStats summarizes one key for health reporting.
type KeyStats struct {
	KeyID              string
	IsActive           bool
	DeactivationReason DeactivationReason
	CreatedAt          time.Time
	LastUsed           time.Time
	UsageCount         int64
	RecentRequests     int
	RecentFailures     int
}

// MaintenanceReport counts what one Maintain pass changed.
type MaintenanceReport struct {
	Retired      int
	Expired      int
	Reactivated  int
	RotationDue  int
	Purged       int
	UsageTrimmed int
	AuditTrimmed int
}

// Vault stores provider keys encrypted and tracks their usage.
type Vault struct {
	cfg    Config
	aead   cipher.AEAD
	macKey []byte
	sink   events.Sink
	logger *logrus.Entry
	now    func() time.Time

	mu    sync.Mutex
	keys  map[string]*VaultedKey
	usage []UsageEvent
	audit []AuditRecord
}

// Option configures a Vault.
type Option func(*Vault)

// WithSink sets where security alerts go.
func WithSink(sink events.Sink) Option {
	return func(v *Vault) {
		v.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(v *Vault) {
		v.logger = logger.WithField("component", "vault")
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// New creates a vault whose encryption and event-signing keys are derived from encryptionKey.
func New(encryptionKey string, cfg Config, opts ...Option) (*Vault, error) {
	if len(encryptionKey) < MinEncryptionKeyLength {
		return nil, ErrWeakEncryptionKey
	}

	encKey, err := deriveKey(encryptionKey, encryptionInfo)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(encKey)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(encryptionKey, eventMACInfo)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		cfg:    cfg,
		aead:   aead,
		macKey: macKey,
		sink:   events.Discard,
		logger: logrus.StandardLogger().WithField("component", "vault"),
		now:    time.Now,
		keys:   make(map[string]*VaultedKey),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// StoreKey encrypts and stores a provider secret, returning its key id.
func (v *Vault) StoreKey(plaintext string, env Environment) (string, error) {
	if plaintext == "" {
		return "", ErrEmptySecret
	}

	ciphertext, iv, tag, err := seal(v.aead, []byte(plaintext))
	if err != nil {
		return "", err
	}

	now := v.now()
	k := &VaultedKey{
		KeyID:       uuid.NewString(),
		Ciphertext:  ciphertext,
		IV:          iv,
		AuthTag:     tag,
		CreatedAt:   now,
		IsActive:    true,
		Environment: env,
	}
	if v.cfg.RotationInterval > 0 {
		due := now.Add(v.cfg.RotationInterval)
		k.RotationScheduled = &due
	}

	v.mu.Lock()
	v.keys[k.KeyID] = k
	v.auditLocked(now, k.KeyID, "stored", "")
	v.mu.Unlock()

	v.logger.WithFields(logrus.Fields{
		"key_id":      k.KeyID,
		"environment": env,
	}).Info("Stored provider key")

	return k.KeyID, nil
}

// GetKey returns the plaintext for keyID. It reports false, never an error,
// when the key is missing, inactive, expired or cannot be decrypted.
func (v *Vault) GetKey(keyID, identity, operation string) (string, bool) {
	now := v.now()

	v.mu.Lock()
	k, ok := v.keys[keyID]
	if !ok {
		v.recordLocked(now, keyID, identity, operation, false, CodeKeyNotFound)
		v.mu.Unlock()
		return "", false
	}

	pending := v.refreshLocked(k, now)

	if k.IsActive && v.cfg.MaxKeyAge > 0 && now.Sub(k.CreatedAt) > v.cfg.MaxKeyAge {
		pending = append(pending, v.deactivateLocked(k, ReasonExpired, now)...)
	}

	if !k.IsActive {
		code := CodeKeyInactive
		if k.DeactivationReason == ReasonExpired {
			code = CodeKeyExpired
		}
		v.recordLocked(now, keyID, identity, operation, false, code)
		pending = append(pending, v.anomaliesLocked(k, identity, now)...)
		v.mu.Unlock()
		v.emitAll(pending)
		return "", false
	}

	plaintext, err := open(v.aead, k.Ciphertext, k.IV, k.AuthTag)
	if err != nil {
		v.recordLocked(now, keyID, identity, operation, false, CodeDecryptFailed)
		pending = append(pending, v.anomaliesLocked(k, identity, now)...)
		v.mu.Unlock()
		v.emitAll(pending)
		v.logger.WithField("key_id", keyID).Error("Stored key failed authentication")
		return "", false
	}

	k.LastUsed = now
	k.UsageCount++
	v.recordLocked(now, keyID, identity, operation, true, "")
	pending = append(pending, v.anomaliesLocked(k, identity, now)...)
	v.mu.Unlock()

	v.emitAll(pending)
	return string(plaintext), true
}

// ReportFailure records a failed use of keyID that happened outside the vault,
// such as the upstream rejecting the credential.
func (v *Vault) ReportFailure(keyID, identity, operation, errorCode string) {
	now := v.now()

	v.mu.Lock()
	v.recordLocked(now, keyID, identity, operation, false, errorCode)
	var pending []events.Event
	if k, ok := v.keys[keyID]; ok {
		pending = v.anomaliesLocked(k, identity, now)
	}
	v.mu.Unlock()

	v.emitAll(pending)
}

// RotateKey stores newPlaintext and schedules oldKeyID for retirement after the grace period.
func (v *Vault) RotateKey(oldKeyID, newPlaintext string) (string, error) {
	v.mu.Lock()
	old, ok := v.keys[oldKeyID]
	var env Environment
	if ok {
		env = old.Environment
	}
	v.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("rotate %s: %w", oldKeyID, ErrKeyNotFound)
	}

	newKeyID, err := v.StoreKey(newPlaintext, env)
	if err != nil {
		return "", err
	}

	now := v.now()
	v.mu.Lock()
	if old, ok := v.keys[oldKeyID]; ok && old.IsActive {
		retireAt := now.Add(v.cfg.RotationGrace)
		old.RetireAt = &retireAt
		v.auditLocked(now, oldKeyID, "rotation_scheduled", string(ReasonRotated))
	}
	v.mu.Unlock()

	v.logger.WithFields(logrus.Fields{
		"old_key_id": oldKeyID,
		"new_key_id": newKeyID,
		"grace":      v.cfg.RotationGrace.String(),
	}).Info("Rotated provider key")

	return newKeyID, nil
}

// DeactivateKey takes keyID out of service. Deactivating an inactive key is a no-op.
func (v *Vault) DeactivateKey(keyID string, reason DeactivationReason) error {
	now := v.now()

	v.mu.Lock()
	k, ok := v.keys[keyID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("deactivate %s: %w", keyID, ErrKeyNotFound)
	}
	pending := v.deactivateLocked(k, reason, now)
	if !k.IsActive && k.DeactivationReason == ReasonSecurityBlock && reason != ReasonSecurityBlock {
		// A permanent reason overrides a temporary block.
		k.DeactivationReason = reason
		k.BlockedUntil = nil
		v.auditLocked(now, keyID, "deactivated", string(reason))
	}
	v.mu.Unlock()

	v.emitAll(pending)
	return nil
}

// ActiveKeyID returns the newest key that can currently serve requests.
func (v *Vault) ActiveKeyID() (string, bool) {
	now := v.now()

	v.mu.Lock()
	var pending []events.Event
	var best *VaultedKey
	for _, k := range v.keys {
		pending = append(pending, v.refreshLocked(k, now)...)
		if !k.IsActive {
			continue
		}
		if v.cfg.MaxKeyAge > 0 && now.Sub(k.CreatedAt) > v.cfg.MaxKeyAge {
			continue
		}
		if best == nil || k.CreatedAt.After(best.CreatedAt) {
			best = k
		}
	}
	var id string
	if best != nil {
		id = best.KeyID
	}
	v.mu.Unlock()

	v.emitAll(pending)
	return id, best != nil
}

// Stats returns a summary of keyID over the anomaly window.
func (v *Vault) Stats(keyID string) (KeyStats, bool) {
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	k, ok := v.keys[keyID]
	if !ok {
		return KeyStats{}, false
	}
	s := KeyStats{
		KeyID:              k.KeyID,
		IsActive:           k.IsActive,
		DeactivationReason: k.DeactivationReason,
		CreatedAt:          k.CreatedAt,
		LastUsed:           k.LastUsed,
		UsageCount:         k.UsageCount,
	}
	cutoff := now.Add(-v.cfg.AnomalyWindow)
	for i := len(v.usage) - 1; i >= 0; i-- {
		e := v.usage[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.KeyID != keyID {
			continue
		}
		s.RecentRequests++
		if !e.Success {
			s.RecentFailures++
		}
	}
	return s, true
}

// Keys returns a snapshot of every stored key without secret material, oldest first.
func (v *Vault) Keys() []VaultedKey {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]VaultedKey, 0, len(v.keys))
	for _, k := range v.keys {
		c := *k
		c.Ciphertext, c.IV, c.AuthTag = nil, nil, nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UsageEvents returns the retained usage events for keyID.
func (v *Vault) UsageEvents(keyID string) []UsageEvent {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []UsageEvent
	for _, e := range v.usage {
		if e.KeyID == keyID {
			out = append(out, e)
		}
	}
	return out
}

// AuditLog returns a copy of the lifecycle audit trail.
func (v *Vault) AuditLog() []AuditRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]AuditRecord, len(v.audit))
	copy(out, v.audit)
	return out
}

// VerifyEvent reports whether e carries a valid signature from this vault.
func (v *Vault) VerifyEvent(e UsageEvent) bool {
	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(signEvent(v.macKey, e))
	return hmac.Equal(got, want)
}

// Maintain applies pending retirements, lifts elapsed blocks, flags keys due
// for rotation, purges long-inactive keys and trims the logs.
func (v *Vault) Maintain() MaintenanceReport {
	now := v.now()
	var report MaintenanceReport
	var pending []events.Event

	v.mu.Lock()
	for id, k := range v.keys {
		wasActive := k.IsActive
		reason := k.DeactivationReason
		pending = append(pending, v.refreshLocked(k, now)...)
		switch {
		case wasActive && !k.IsActive:
			report.Retired++
		case !wasActive && k.IsActive && reason == ReasonSecurityBlock:
			report.Reactivated++
		}

		if k.IsActive && v.cfg.MaxKeyAge > 0 && now.Sub(k.CreatedAt) > v.cfg.MaxKeyAge {
			pending = append(pending, v.deactivateLocked(k, ReasonExpired, now)...)
			report.Expired++
		}

		if k.IsActive && k.RotationScheduled != nil && !now.Before(*k.RotationScheduled) && !k.rotationNotified {
			k.rotationNotified = true
			report.RotationDue++
			pending = append(pending, events.Event{
				Type:     events.KeyRotationDue,
				Severity: events.SeverityMedium,
				Time:     now,
				Fields:   map[string]any{"key_id": id},
			})
		}

		if !k.IsActive && k.DeactivatedAt != nil && now.Sub(*k.DeactivatedAt) > v.cfg.PurgeAfter {
			delete(v.keys, id)
			v.auditLocked(now, id, "purged", string(k.DeactivationReason))
			report.Purged++
			pending = append(pending, events.Event{
				Type:     events.KeyPurged,
				Severity: events.SeverityInfo,
				Time:     now,
				Fields:   map[string]any{"key_id": id},
			})
		}
	}

	report.UsageTrimmed = v.trimUsageLocked(now.Add(-v.cfg.UsageRetention))
	report.AuditTrimmed = v.trimAuditLocked(now.Add(-v.cfg.AuditRetention))
	v.mu.Unlock()

	v.emitAll(pending)
	return report
}

// refreshLocked applies time-driven transitions: due retirements and elapsed blocks.
func (v *Vault) refreshLocked(k *VaultedKey, now time.Time) []events.Event {
	var out []events.Event

	if k.IsActive && k.RetireAt != nil && !now.Before(*k.RetireAt) {
		out = append(out, v.deactivateLocked(k, ReasonRotated, now)...)
		k.RetireAt = nil
	}

	if !k.IsActive && k.DeactivationReason == ReasonSecurityBlock && k.BlockedUntil != nil && !now.Before(*k.BlockedUntil) {
		k.IsActive = true
		k.DeactivatedAt = nil
		k.DeactivationReason = ""
		k.BlockedUntil = nil
		v.auditLocked(now, k.KeyID, "reactivated", string(ReasonSecurityBlock))
		out = append(out, events.Event{
			Type:     events.KeyReactivated,
			Severity: events.SeverityInfo,
			Time:     now,
			Fields:   map[string]any{"key_id": k.KeyID},
		})
	}

	return out
}

func (v *Vault) deactivateLocked(k *VaultedKey, reason DeactivationReason, now time.Time) []events.Event {
	if !k.IsActive {
		return nil
	}
	k.IsActive = false
	k.DeactivatedAt = &now
	k.DeactivationReason = reason
	v.auditLocked(now, k.KeyID, "deactivated", string(reason))

	return []events.Event{{
		Type:     events.KeyDeactivated,
		Severity: events.SeverityInfo,
		Time:     now,
		Fields:   map[string]any{"key_id": k.KeyID, "reason": string(reason)},
	}}
}

// anomaliesLocked inspects the trailing window for keyID and identity.
func (v *Vault) anomaliesLocked(k *VaultedKey, identity string, now time.Time) []events.Event {
	cutoff := now.Add(-v.cfg.AnomalyWindow)
	total, failures := 0, 0
	for i := len(v.usage) - 1; i >= 0; i-- {
		e := v.usage[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.KeyID != k.KeyID || e.ClientIP != identity {
			continue
		}
		total++
		if !e.Success {
			failures++
		}
	}

	fields := func() map[string]any {
		return map[string]any{
			"key_id":   k.KeyID,
			"identity": identity,
			"requests": total,
			"failures": failures,
		}
	}

	var out []events.Event
	if v.cfg.UnusualUsageThreshold > 0 && total > v.cfg.UnusualUsageThreshold {
		out = append(out, events.Event{Type: events.KeyUnusualUsage, Severity: events.SeverityMedium, Time: now, Fields: fields()})
	}
	if total >= v.cfg.MinErrorRateSamples && total > 0 {
		if rate := float64(failures) / float64(total); rate > v.cfg.ErrorRateThreshold {
			f := fields()
			f["error_rate"] = rate
			out = append(out, events.Event{Type: events.KeyHighErrorRate, Severity: events.SeverityHigh, Time: now, Fields: f})
		}
	}
	if k.IsActive && v.cfg.SuspiciousActivityThreshold > 0 && failures > v.cfg.SuspiciousActivityThreshold {
		out = append(out, v.deactivateLocked(k, ReasonSecurityBlock, now)...)
		until := now.Add(v.cfg.BlockCooldown)
		k.BlockedUntil = &until
		f := fields()
		f["blocked_until"] = until
		out = append(out, events.Event{Type: events.KeySecurityBlock, Severity: events.SeverityCritical, Time: now, Fields: f})
	}
	return out
}

func (v *Vault) recordLocked(now time.Time, keyID, identity, operation string, success bool, code string) {
	e := UsageEvent{
		Timestamp: now,
		KeyID:     keyID,
		ClientIP:  identity,
		Operation: operation,
		Success:   success,
		ErrorCode: code,
	}
	e.Signature = signEvent(v.macKey, e)
	v.usage = append(v.usage, e)
}

func (v *Vault) auditLocked(now time.Time, keyID, action, reason string) {
	v.audit = append(v.audit, AuditRecord{Time: now, KeyID: keyID, Action: action, Reason: reason})
}

func (v *Vault) trimUsageLocked(cutoff time.Time) int {
	i := sort.Search(len(v.usage), func(i int) bool { return !v.usage[i].Timestamp.Before(cutoff) })
	if i == 0 {
		return 0
	}
	v.usage = append([]UsageEvent(nil), v.usage[i:]...)
	return i
}

func (v *Vault) trimAuditLocked(cutoff time.Time) int {
	i := sort.Search(len(v.audit), func(i int) bool { return !v.audit[i].Time.Before(cutoff) })
	if i == 0 {
		return 0
	}
	v.audit = append([]AuditRecord(nil), v.audit[i:]...)
	return i
}

func (v *Vault) emitAll(pending []events.Event) {
	for _, e := range pending {
		v.sink.Emit(e)
	}
}
