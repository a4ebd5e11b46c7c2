// Copyright 2026 The Durableflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/schedule"
)

func TestParseCronShorthands(t *testing.T) {
	cases := map[string]string{
		"@hourly":  "0 * * * *",
		"@daily":   "0 0 * * *",
		"@weekly":  "0 0 * * 0",
		"@monthly": "0 0 1 * *",
		"@yearly":  "0 0 1 1 *",
	}
	for shorthand, expanded := range cases {
		want, err := schedule.ParseCron(expanded)
		require.NoError(t, err)
		got, err := schedule.ParseCron(shorthand)
		require.NoError(t, err)
		from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		require.Equal(t, want.Next(from), got.Next(from), "shorthand %s", shorthand)
	}
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	cases := []string{
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"not a cron",
	}
	for _, expr := range cases {
		_, err := schedule.ParseCron(expr)
		require.Error(t, err, "expected error for %q", expr)
	}
}

func TestCronNextAdvancesToNextMinuteBoundary(t *testing.T) {
	expr, err := schedule.ParseCron("30 9 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 7, 31, 9, 30, 0, 0, time.UTC)
	got := expr.Next(from)
	require.Equal(t, time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC), got, "firing at the exact minute still advances to the next occurrence, never fires twice in the same minute")
}

func TestCronNextCrossesMonthBoundary(t *testing.T) {
	expr, err := schedule.ParseCron("0 0 1 * *")
	require.NoError(t, err)

	from := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	got := expr.Next(from)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestCronNextHonorsStepAndRange(t *testing.T) {
	expr, err := schedule.ParseCron("*/15 8-10 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 7, 31, 8, 1, 0, 0, time.UTC)
	got := expr.Next(from)
	require.Equal(t, time.Date(2026, 7, 31, 8, 15, 0, 0, time.UTC), got)

	from = time.Date(2026, 7, 31, 10, 46, 0, 0, time.UTC)
	got = expr.Next(from)
	require.Equal(t, time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC), got, "past the last matching hour of the day, rolls to the next day's first match")
}
