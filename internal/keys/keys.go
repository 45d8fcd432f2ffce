// Package keys computes the stable hashes the query result cache is keyed
// by. Two executions get the same key exactly when their compiled statement,
// arguments, scope token and operation discriminator all match.
package keys

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// queryKeyPrefix namespaces query keys inside a shared result store.
const queryKeyPrefix = "q:"

// QueryCacheKey hashes the components identifying one query execution. The
// separator between components keeps "a"+"bc" distinct from "ab"+"c".
func QueryCacheKey(sql string, args []any, scopeToken, discriminator string) (string, error) {
	digest := xxhash.New()
	for _, part := range []string{scopeToken, "|", discriminator, "|", sql} {
		if _, err := digest.WriteString(part); err != nil {
			return "", err
		}
	}
	for _, arg := range args {
		if _, err := digest.WriteString("|" + canonicalArg(arg)); err != nil {
			return "", err
		}
	}
	return queryKeyPrefix + strconv.FormatUint(digest.Sum64(), 10), nil
}

// canonicalArg renders an argument in a driver-independent form. Times
// normalize to UTC so the same instant hashes identically regardless of the
// location it was parsed in.
func canonicalArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
