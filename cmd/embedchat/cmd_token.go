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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/identity"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// errInactive is returned by "token verify" for a token that does not
// verify, so the exit status reflects the result.
var errInactive = errors.New("token is not active")

// newTokenIssueCmd signs an assertion for a named subject. Operators use it
// to exercise upstream connectors without a browser session.
//
// Outside development only the certificate trust path may be named, since
// the gateway itself would reject anything else.
func newTokenIssueCmd(opts *cliOptions) *cobra.Command {
	var (
		subject string
		name    string
		via     string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an identity assertion for a subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			issuedVia, err := identity.ParseIssuedVia(via)
			if err != nil {
				return err
			}
			if issuedVia == identity.ViaDevOverride && !cfg.IsDevelopment() {
				return fmt.Errorf("via %q requires auth_mode development", via)
			}

			secret, err := token.NewSecret([]byte(cfg.Token.Secret))
			if err != nil {
				return err
			}
			defer secret.Destroy()

			issuer := token.NewIssuer(secret, cfg.Token.TTL, cfg.Token.Issuer)
			a, err := issuer.Issue(identity.Identity{
				Subject:     strings.TrimSpace(subject),
				DisplayName: strings.TrimSpace(name),
				IssuedVia:   issuedVia,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), datatypes.TokenResponse{
				Token:       a.Token,
				TokenType:   "Bearer",
				Subject:     a.Subject,
				DisplayName: a.DisplayName,
				TrustMode:   a.IssuedVia.TrustMode().String(),
				ExpiresAt:   a.ExpiresAt,
				ExpiresIn:   int64(issuer.TTL().Seconds()),
			})
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "caller subject, e.g. john.doe@dept.gov")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	cmd.Flags().StringVar(&via, "via", identity.ViaCertificate.String(), "trust path: certificate or dev_override")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// newTokenVerifyCmd checks a token against the configured secret.
func newTokenVerifyCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify an identity assertion and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			secret, err := token.NewSecret([]byte(cfg.Token.Secret))
			if err != nil {
				return err
			}
			defer secret.Destroy()

			a, err := token.NewVerifier(secret, cfg.Token.Issuer).Verify(strings.TrimSpace(args[0]))
			if err != nil {
				if werr := writeJSON(cmd.OutOrStdout(), datatypes.VerifyResponse{Active: false}); werr != nil {
					return werr
				}
				return fmt.Errorf("%w: %v", errInactive, err)
			}
			return writeJSON(cmd.OutOrStdout(), datatypes.VerifyResponse{
				Active:      true,
				Subject:     a.Subject,
				DisplayName: a.DisplayName,
				TrustMode:   a.IssuedVia.TrustMode().String(),
				AssertionID: a.ID,
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
