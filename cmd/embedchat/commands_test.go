// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/embedchat/services/gateway/config"
	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
)

const testSecret = "0123456789abcdef0123456789abcdef-cli-test"

func envOf(vars map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func productionEnv() config.LookupFunc {
	return envOf(map[string]string{
		"JWT_SECRET_KEY": testSecret,
		"OPENAI_API_KEY": "sk-must-not-print",
	})
}

func run(t *testing.T, lookup config.LookupFunc, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmdWithEnv(lookup)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssueThenVerify(t *testing.T) {
	out, err := run(t, productionEnv(), "token", "issue", "--subject", " john.doe@dept.gov ", "--name", "John Doe")
	require.NoError(t, err)

	var issued datatypes.TokenResponse
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	assert.Equal(t, "Bearer", issued.TokenType)
	assert.Equal(t, "john.doe@dept.gov", issued.Subject)
	assert.Equal(t, "certificate", issued.TrustMode)
	assert.Equal(t, int64(8*60*60), issued.ExpiresIn)

	out, err = run(t, productionEnv(), "token", "verify", issued.Token)
	require.NoError(t, err)
	var verified datatypes.VerifyResponse
	require.NoError(t, json.Unmarshal([]byte(out), &verified))
	assert.True(t, verified.Active)
	assert.Equal(t, "john.doe@dept.gov", verified.Subject)
	assert.Equal(t, "John Doe", verified.DisplayName)
	assert.NotEmpty(t, verified.AssertionID)
}

func TestTokenVerify_WrongSecret(t *testing.T) {
	out, err := run(t, productionEnv(), "token", "issue", "-s", "jane@dept.gov")
	require.NoError(t, err)
	var issued datatypes.TokenResponse
	require.NoError(t, json.Unmarshal([]byte(out), &issued))

	other := envOf(map[string]string{"JWT_SECRET_KEY": "ffffffffffffffffffffffffffffffff-other"})
	out, err = run(t, other, "token", "verify", issued.Token)
	require.ErrorIs(t, err, errInactive)
	assert.JSONEq(t, `{"active":false,"subject":"","trust_mode":"","assertion_id":""}`, out)
}

func TestTokenIssue_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		lookup config.LookupFunc
		args   []string
	}{
		{
			name:   "missing subject flag",
			lookup: productionEnv(),
			args:   []string{"token", "issue"},
		},
		{
			name:   "blank subject",
			lookup: productionEnv(),
			args:   []string{"token", "issue", "--subject", "   "},
		},
		{
			name:   "dev override outside development",
			lookup: productionEnv(),
			args:   []string{"token", "issue", "--subject", "x@dept.gov", "--via", "dev_override"},
		},
		{
			name:   "unknown trust path",
			lookup: productionEnv(),
			args:   []string{"token", "issue", "--subject", "x@dept.gov", "--via", "password"},
		},
		{
			name:   "no secret configured",
			lookup: envOf(nil),
			args:   []string{"token", "issue", "--subject", "x@dept.gov"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.lookup, tt.args...)
			assert.Error(t, err)
			assert.NotContains(t, out, `"token"`)
		})
	}
}

func TestTokenIssue_DevOverrideInDevelopment(t *testing.T) {
	dev := envOf(map[string]string{"ENVIRONMENT": "development"})
	out, err := run(t, dev, "token", "issue", "--subject", "dev@local", "--via", "dev_override")
	require.NoError(t, err)

	var issued datatypes.TokenResponse
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	assert.Equal(t, "development", issued.TrustMode)
}

func TestConfigCommand_HidesSecrets(t *testing.T) {
	out, err := run(t, productionEnv(), "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-must-not-print")
	assert.NotContains(t, out, testSecret)

	var view config.SafeView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "production", view.Environment)
	assert.Equal(t, "certificate", view.AuthMode)
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	_, err := run(t, envOf(nil), "serve")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
