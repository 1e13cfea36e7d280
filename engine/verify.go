package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	redisstore "github.com/expertping/idex.nucleus/store/redis"
)

// ExitCodeMisconfiguredKeyspace is the process exit code used when the
// store does not emit the keyspace notifications the engine depends
// on. Without them no queue subscription ever fires and no caller is
// ever resolved, so continuing would hang every publish.
const ExitCodeMisconfiguredKeyspace = 699

// sentinelTTL bounds how often a cooperating pool re-verifies the
// store: once per engine generation.
const sentinelTTL = 7 * time.Hour

// osExit is an exit seam for tests.
var osExit = os.Exit

// verifySentinel claims the verification slot if nobody holds it.
// Returns 1 to the claimant, 0 to everyone else.
var verifySentinel = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// verifyStoreConfiguration checks, once per engine generation, that
// the store is configured the way the engine requires:
// notify-keyspace-events must cover "AKE" (fatal otherwise) and an
// empty save policy only earns a warning.
func (e *Engine) verifyStoreConfiguration(ctx context.Context) error {
	claimed, err := e.engineClient.RunScript(ctx, verifySentinel,
		[]string{redisstore.SentinelKey}, e.engineID, sentinelTTL.Milliseconds())
	if err != nil {
		return fmt.Errorf("nucleus/engine: claim verification sentinel: %w", err)
	}
	if n, ok := claimed.(int64); ok && n == 0 {
		// Another engine verified this generation.
		return nil
	}

	notify, err := e.engineClient.ConfigGet(ctx, "notify-keyspace-events")
	if err != nil {
		return fmt.Errorf("nucleus/engine: read notify-keyspace-events: %w", err)
	}
	if !keyspaceFlagsCoverAKE(notify) {
		e.logger.Error("store keyspace notifications are misconfigured; the engine cannot operate",
			slog.String("notify_keyspace_events", notify),
			slog.String("required", "AKE"),
			slog.String("hint", `run CONFIG SET notify-keyspace-events "AKE" or set it in the server configuration`),
		)
		osExit(ExitCodeMisconfiguredKeyspace)
		return nil
	}

	save, err := e.engineClient.ConfigGet(ctx, "save")
	if err != nil {
		return fmt.Errorf("nucleus/engine: read save policy: %w", err)
	}
	if strings.TrimSpace(save) == "" {
		e.logger.Warn("store has no save policy; actions and registry tables do not survive a store restart")
	}

	return nil
}

// keyspaceFlagsCoverAKE reports whether the configured flags deliver
// keyspace (K) and keyevent (E) notifications for all command classes
// (A, or every individual class flag).
func keyspaceFlagsCoverAKE(flags string) bool {
	has := func(r rune) bool { return strings.ContainsRune(flags, r) }

	if !has('K') || !has('E') {
		return false
	}
	if has('A') {
		return true
	}
	for _, class := range "g$lshzxet" {
		if !has(class) {
			return false
		}
	}
	return true
}
