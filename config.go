package objdb

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Config configures a [Store] (and, above it, a [Coordinator]). It plays the
// role a property bag would play, but as a plain
// validated struct, the way every configuration surface in this codebase
// (e.g. journal.Options, the old DB Options) is expressed.
type Config struct {
	// AppName identifies the application namespace root. Required.
	AppName string

	// Path is the file the durable storage backend opens. Ignored by the
	// in-memory backend.
	Path string

	// Logger receives structured log output at the levels described in the
	// service's error-handling design (finest/finer/fine map to Debug,
	// config/severe map to Info/Error).
	Logger *slog.Logger

	// DebugCheckInterval is the number of Context operations between
	// consistency checks of the managed-reference table; 1 checks after
	// every operation. Zero selects DefaultDebugCheckInterval, which
	// effectively disables the checks.
	DebugCheckInterval int

	// DetectModifications enables snapshot-and-compare detection of
	// objects that were mutated without a markForUpdate call. Defaults to
	// true; set DetectModificationsSet to force an explicit false.
	DetectModifications    bool
	DetectModificationsSet bool

	// DisconnectDelay is how long Coordinator.Shutdown waits for in-flight
	// transactions to finish before giving up and returning false. Must be
	// at least MinDisconnectDelay.
	DisconnectDelay time.Duration

	// TransactionDeadline bounds how long a single transaction attempt may
	// run before the store aborts it with a timeout.
	TransactionDeadline time.Duration

	// RetryBudget bounds the Coordinator's retry loop; once
	// exceeded, a retryable abort converts to a non-retryable
	// transaction-aborted error.
	RetryBudget time.Duration

	// UseMemoryStore selects the in-memory storage backend instead of the
	// durable Bolt-backed one; this is the Go equivalent of the
	// usual way to swap in an alternative storage engine.
	UseMemoryStore bool
}

// MinDisconnectDelay is the smallest accepted DisconnectDelay; smaller
// configured values are rejected outright.
const MinDisconnectDelay = 200 * time.Millisecond

// DefaultDebugCheckInterval effectively disables the reference-table
// consistency check.
const DefaultDebugCheckInterval = math.MaxInt32

// DefaultTransactionDeadline bounds a transaction attempt when the caller
// does not specify one.
const DefaultTransactionDeadline = 10 * time.Second

// DefaultRetryBudget bounds the Coordinator's retry loop when the caller
// does not specify one.
const DefaultRetryBudget = 5 * time.Second

func (c Config) normalized() (Config, error) {
	if c.AppName == "" {
		return c, fmt.Errorf("objdb: the app.name property must be specified")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DebugCheckInterval == 0 {
		c.DebugCheckInterval = DefaultDebugCheckInterval
	}
	if !c.DetectModificationsSet {
		c.DetectModifications = true
	}
	if c.DisconnectDelay == 0 {
		c.DisconnectDelay = MinDisconnectDelay
	} else if c.DisconnectDelay < MinDisconnectDelay {
		return c, fmt.Errorf("objdb: disconnect.delay must be >= %s, got %s", MinDisconnectDelay, c.DisconnectDelay)
	}
	if c.TransactionDeadline == 0 {
		c.TransactionDeadline = DefaultTransactionDeadline
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	return c, nil
}
