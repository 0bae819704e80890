package connections

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Transync-pro/transync-connect/internal/flags"
)

const (
	// checkThrottle suppresses repeat checks inside this window unless forced.
	checkThrottle = 3 * time.Second

	// authSuccessWindow is how long a fresh authorization upgrades any check
	// to forced, so the first check after the callback reflects the
	// just-written backend state instead of a stale cache.
	authSuccessWindow = 30 * time.Second

	// maxCheckThrottle caps how far accumulated failures stretch the
	// unforced re-check window.
	maxCheckThrottle = 30 * time.Second

	// failureResetThreshold is the soft circuit breaker: once a user's
	// accumulated check failures pass it, the counter resets so the widened
	// re-check window returns to normal instead of staying pinned open.
	failureResetThreshold = 10
)

// throttleFor widens the unforced re-check window as failures accumulate, so
// a flapping backend is not re-probed every few seconds.
func throttleFor(failures int) time.Duration {
	d := checkThrottle * time.Duration(1+failures)
	if d > maxCheckThrottle {
		return maxCheckThrottle
	}
	return d
}

// StatusService is the single source of truth for whether a user currently
// has a valid QuickBooks connection. It is the only writer of StatusInfo;
// everything else subscribes.
type StatusService struct {
	repo   ConnectionRepository
	flags  flags.Store
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	states   map[string]*userState
	subs     map[string]map[int]func(StatusInfo)
	nextSub  int
	lastErrs map[string]string
}

type userState struct {
	info        StatusInfo
	lastChecked time.Time
	failures    int
}

// NewStatusService creates the connection status service.
func NewStatusService(repo ConnectionRepository, flagStore flags.Store, logger *slog.Logger) *StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusService{
		repo:     repo,
		flags:    flagStore,
		logger:   logger,
		now:      time.Now,
		states:   make(map[string]*userState),
		subs:     make(map[string]map[int]func(StatusInfo)),
		lastErrs: make(map[string]string),
	}
}

// SetClock overrides the service time source. Test helper.
func (s *StatusService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Current returns the last published StatusInfo for a user without touching
// the repository.
func (s *StatusService) Current(userID string) StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[userID]; ok {
		return st.info
	}
	return StatusInfo{Status: StatusIdle}
}

// Subscribe registers a listener invoked on every status transition for the
// user. Returns an unsubscribe function. The service is the only writer;
// multiple UI trees may subscribe without re-querying storage themselves.
func (s *StatusService) Subscribe(userID string, fn func(StatusInfo)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[userID] == nil {
		s.subs[userID] = make(map[int]func(StatusInfo))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[userID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[userID], id)
		if len(s.subs[userID]) == 0 {
			delete(s.subs, userID)
		}
	}
}

// CheckStatus converges the published state on ground truth.
//
// Concurrent calls for the same user collapse into one in-flight check; late
// callers receive the shared result rather than queuing a second probe.
// Unforced calls inside the throttle window return the cached state. A recent
// auth-success flag upgrades the check to forced regardless of the caller.
// silent suppresses the transient "checking" overlay so background refreshes
// don't flicker the UI.
func (s *StatusService) CheckStatus(ctx context.Context, userID string, force, silent bool) (StatusInfo, error) {
	if userID == "" {
		return StatusInfo{Status: StatusIdle}, nil
	}

	// A check right after authentication must see the just-written state.
	if !force && s.hasLiveFlag(ctx, userID, flags.KindAuthSuccess, "") {
		force = true
	}

	s.mu.Lock()
	st := s.stateLocked(userID)
	if st.failures > failureResetThreshold {
		s.logger.Warn("resetting connection check failure counter", "user_id", userID, "failures", st.failures)
		st.failures = 0
	}
	if !force && s.now().Sub(st.lastChecked) < throttleFor(st.failures) {
		info := st.info
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(userID, func() (interface{}, error) {
		return s.runCheck(ctx, userID, force, silent)
	})

	info, _ := v.(StatusInfo)
	return info, err
}

func (s *StatusService) runCheck(ctx context.Context, userID string, force, silent bool) (StatusInfo, error) {
	if !silent {
		s.publish(userID, StatusInfo{Status: StatusChecking, CheckedAt: s.timeNow()})
	}

	if force {
		// Forced checks start from ground truth, not from optimistic hints.
		if err := s.flags.Clear(ctx, userID, flags.KindSummary, ""); err != nil {
			s.logger.Warn("failed to clear cached summary", "user_id", userID, "error", err)
		}
	}

	exists, err := s.repo.Exists(ctx, userID)
	if err != nil {
		return s.checkFailed(ctx, userID, err), err
	}

	var info StatusInfo
	if !exists {
		// Cheap path: no row means disconnected, no full fetch needed.
		info = StatusInfo{Status: StatusDisconnected, CheckedAt: s.timeNow()}
	} else {
		conn, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			// Never preserve a stale "connected" across an error.
			return s.checkFailed(ctx, userID, err), err
		}
		info = StatusInfo{
			Status:      StatusConnected,
			CheckedAt:   s.timeNow(),
			CompanyName: conn.CompanyName,
		}
	}

	info = s.applyOverrides(ctx, userID, info)

	s.mu.Lock()
	st := s.stateLocked(userID)
	st.lastChecked = s.now()
	st.failures = 0
	s.mu.Unlock()

	s.publish(userID, info)
	return info, nil
}

// checkFailed records a failed check and resets to the safe disconnected
// state rather than keeping whatever was published before.
func (s *StatusService) checkFailed(ctx context.Context, userID string, cause error) StatusInfo {
	s.logger.Error("connection check failed", "user_id", userID, "error", cause)

	s.mu.Lock()
	st := s.stateLocked(userID)
	st.failures++
	st.lastChecked = s.now()
	s.mu.Unlock()

	info := StatusInfo{
		Status:    StatusDisconnected,
		CheckedAt: s.timeNow(),
		Error:     cause.Error(),
	}
	info = s.applyOverrides(ctx, userID, info)
	s.publish(userID, info)
	return info
}

// applyOverrides lets bounded force windows out-vote a check whose result
// raced a state change: a probe that started before a disconnect but resolves
// after it must not resurrect "connected", and vice versa after a connect.
func (s *StatusService) applyOverrides(ctx context.Context, userID string, info StatusInfo) StatusInfo {
	if info.Status == StatusConnected && s.hasLiveFlag(ctx, userID, flags.KindForceDisconnected, "") {
		return StatusInfo{Status: StatusDisconnected, CheckedAt: info.CheckedAt}
	}
	if info.Status == StatusDisconnected && s.hasLiveFlag(ctx, userID, flags.KindForceConnected, "") {
		out := StatusInfo{Status: StatusConnected, CheckedAt: info.CheckedAt}
		if f, err := s.flags.Get(ctx, userID, flags.KindSummary, ""); err == nil {
			if summary, ok := decodeSummary(f.Payload); ok {
				out.CompanyName = summary.CompanyName
			}
		}
		return out
	}
	return info
}

// MarkError publishes the terminal error state. Only the retry loop uses it,
// after exhausting its attempts; it is distinguishable from disconnected.
func (s *StatusService) MarkError(userID string, cause error) StatusInfo {
	info := StatusInfo{Status: StatusError, CheckedAt: s.timeNow()}
	if cause != nil {
		info.Error = cause.Error()
	}
	s.publish(userID, info)
	s.SetLastError(userID, info.Error)
	return info
}

// Forget discards the cached per-user view. Used on user change so timers and
// state never run against a stale user.
func (s *StatusService) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	delete(s.lastErrs, userID)
}

// SetLastError records a terminal error for the UI error channel.
func (s *StatusService) SetLastError(userID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrs[userID] = msg
}

// LastError reads the error channel without clearing it.
func (s *StatusService) LastError(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrs[userID]
}

// ClearError clears the error channel after the UI has shown it.
func (s *StatusService) ClearError(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastErrs, userID)
}

func (s *StatusService) publish(userID string, info StatusInfo) {
	s.mu.Lock()
	st := s.stateLocked(userID)
	// The checking overlay is transient; it does not replace the last known
	// resting state.
	if info.Status != StatusChecking {
		st.info = info
	}
	listeners := make([]func(StatusInfo), 0, len(s.subs[userID]))
	for _, fn := range s.subs[userID] {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(info)
	}
}

func (s *StatusService) stateLocked(userID string) *userState {
	st, ok := s.states[userID]
	if !ok {
		st = &userState{info: StatusInfo{Status: StatusIdle}}
		s.states[userID] = st
	}
	return st
}

func (s *StatusService) timeNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *StatusService) hasLiveFlag(ctx context.Context, userID string, kind flags.Kind, scope string) bool {
	_, err := s.flags.Get(ctx, userID, kind, scope)
	if err != nil && !errors.Is(err, flags.ErrNotFound) {
		s.logger.Warn("flag read failed", "user_id", userID, "kind", kind, "error", err)
	}
	return err == nil
}
