package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/membersync/pkg/client"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile members described in a YAML file",
	Long: `Reconcile every member described in a YAML file.

The file holds one or more documents separated by ---:

  apiVersion: membersync/v1
  kind: Member
  metadata:
    name: m-1042
  spec:
    externalId: "42"
    affiliation: staff
    interests: [go, rust]

Examples:
  # Reconcile one member
  membersync apply -f member.yaml

  # Reconcile an export of the whole roster
  membersync apply -f roster.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// MemberResource is one member document
type MemberResource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       MemberSpec       `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

type MemberSpec struct {
	ExternalID  string   `yaml:"externalId"`
	Affiliation string   `yaml:"affiliation"`
	Interests   []string `yaml:"interests"`
}

func (r MemberResource) member() types.Member {
	return types.Member{
		ID:          r.Metadata.Name,
		ExternalID:  r.Spec.ExternalID,
		Affiliation: r.Spec.Affiliation,
		Interests:   r.Spec.Interests,
	}
}

// parseMembers reads every document in data, rejecting anything that is
// not a named Member
func parseMembers(data []byte) ([]types.Member, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var members []types.Member
	for i := 1; ; i++ {
		var res MemberResource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if res.Kind != "Member" {
			return nil, fmt.Errorf("document %d: unsupported resource kind: %q", i, res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("document %d: metadata.name is required", i)
		}
		members = append(members, res.member())
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no members found")
	}
	return members, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	// Read YAML file
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	members, err := parseMembers(data)
	if err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	var failed int
	for _, m := range members {
		if err := reconcileOne(cmd, c, m); err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", m.ID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d members failed", failed, len(members))
	}
	return nil
}

func reconcileOne(cmd *cobra.Command, c *client.Client, m types.Member) error {
	res, err := c.ReconcileMember(cmd.Context(), m)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("Member %s unchanged (%s)\n", m.ID, res.Reason)
		return nil
	}
	fmt.Printf("✓ Member %s queued: task %s (+%d/-%d roles)\n", m.ID, res.TaskID, len(res.ToGrant), len(res.ToRevoke))
	return nil
}
