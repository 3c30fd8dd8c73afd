package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
	oidckit "github.com/PaulFidika/clinicauth/oidc"
	"github.com/PaulFidika/clinicauth/rbac"
	"github.com/spf13/cobra"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [token]",
		Short: "Verify a bearer token and print its claims (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := verifyArg(cmd, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), claims.Raw)
		},
	}
}

func checkCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "check [token]",
		Short: "Verify a token and check it against the policy for an action",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := verifyArg(cmd, args)
			if err != nil {
				return err
			}
			checker := rbac.NewChecker(rbac.NewStore(cfg.RBAC.PolicyPath, log), log)
			if err := checker.Check(action, claims); err != nil {
				return err
			}
			printf(cmd, "allowed: %s may %s\n", claims.Subject, action)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Action name, e.g. literacy.explain (required)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// verifyArg verifies the token from args[0] or the first line of stdin. A
// bare token is accepted as well as a full "Bearer ..." header value.
func verifyArg(cmd *cobra.Command, args []string) (*jwtkit.Claims, error) {
	var raw string
	if len(args) == 1 {
		raw = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read token: %w", err)
		}
		raw = line
	}
	header := bearerHeader(raw)

	accept, err := oidckit.ResolveAccept(cmd.Context(), cfg.Accept())
	if err != nil {
		return nil, err
	}
	if err := accept.Validate(); err != nil {
		return nil, err
	}
	claims, err := jwtkit.NewVerifier(accept, jwtkit.WithLogger(log)).Verify(cmd.Context(), header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", core.CategoryOf(err), err)
	}
	return claims, nil
}

func bearerHeader(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		return raw
	}
	return "Bearer " + raw
}

func mintCmd() *cobra.Command {
	var (
		subject     string
		role        string
		specialties []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign a development token with the local issuer keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Auth.Issuer == "" || cfg.Auth.Audience == "" {
				return fmt.Errorf("auth.issuer and auth.audience are required (or set JWT_ISSUER, JWT_AUDIENCE)")
			}
			ks, err := jwtkit.LoadKeySource(cfg.Issuer.KeysDir, log)
			if err != nil {
				return err
			}
			claims := jwtkit.AccessClaims(cfg.Auth.Issuer, subject, cfg.Auth.Audience, role, specialties, ttl)
			token, err := ks.Active.Sign(context.Background(), claims)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			printf(cmd, "%s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Subject (required)")
	cmd.Flags().StringVar(&role, "role", "", "Role claim")
	cmd.Flags().StringSliceVar(&specialties, "specialty", nil, "Specialty claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
