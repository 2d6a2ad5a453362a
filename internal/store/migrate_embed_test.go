// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package store

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsFS_EveryUpHasDown(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^(\d{6}_\w+)\.(up|down)\.sql$`)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		m := pattern.FindStringSubmatch(entry.Name())
		require.NotNil(t, m, "file %s should match NNNNNN_name.(up|down).sql", entry.Name())
		if m[2] == "up" {
			ups[m[1]] = true
		} else {
			downs[m[1]] = true
		}
	}
	assert.Equal(t, ups, downs, "every up migration needs a down migration")
}

func TestMigrations_Ordered(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		{Version: 1, Name: "users"},
		{Version: 2, Name: "sessions"},
		{Version: 3, Name: "notifications"},
	}, all)
}
