package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/PaulFidika/clinicauth/rbac"
	"github.com/spf13/cobra"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect RBAC policy documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "lint [path]",
		Short: "Parse a policy document and report actions nobody can perform",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.RBAC.PolicyPath
			if len(args) == 1 {
				path = args[0]
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read policy file: %w", err)
			}
			pm, err := rbac.ParsePolicies(data, rbac.FormatFromPath(path))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, action := range pm.Actions() {
				p := pm[action]
				printf(cmd, "%-24s roles=%s", action, strings.Join(p.Roles, ","))
				if len(p.SpecialtiesAny) > 0 {
					printf(cmd, " specialties_any=%s", strings.Join(p.SpecialtiesAny, ","))
				}
				printf(cmd, "\n")
			}
			problems := lintPolicies(pm)
			for _, p := range problems {
				printf(cmd, "warning: %s\n", p)
			}
			if len(problems) > 0 {
				return errors.New("policy lint found problems")
			}
			return nil
		},
	})
	return cmd
}

// lintPolicies reports entries that can never grant access.
func lintPolicies(pm rbac.PolicyMap) []string {
	var out []string
	for _, action := range pm.Actions() {
		p := pm[action]
		if len(p.Roles) == 0 {
			out = append(out, fmt.Sprintf("%s: no roles listed, every request is denied", action))
		}
		for _, r := range p.Roles {
			if strings.TrimSpace(r) == "" {
				out = append(out, fmt.Sprintf("%s: blank role name", action))
			}
		}
		for _, s := range p.SpecialtiesAny {
			if strings.TrimSpace(s) == "" {
				out = append(out, fmt.Sprintf("%s: blank specialty name", action))
			}
		}
	}
	return out
}
