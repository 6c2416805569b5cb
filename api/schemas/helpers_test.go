package schemas_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// -- Test Helpers --

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

// discoveryAbility returns an ability with a linux/sh and windows/psh executor.
func discoveryAbility() schemas.Ability {
	return schemas.Ability{
		ID:   "find-users",
		Name: "Find users",
		Executors: []schemas.Executor{
			{
				Name:     "sh",
				Platform: "linux",
				Command:  "cut -d: -f1 /etc/passwd | grep #{domain.name}",
				Parsers: []schemas.Parser{{
					Module:  "line",
					Configs: []schemas.ParserConfig{{Source: "host.user.name", Edge: "member_of", Target: "domain.name"}},
				}},
			},
			{Name: "psh", Platform: "windows", Command: "Get-LocalUser"},
		},
	}
}
