package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/output"
	"github.com/accordhq/accord/internal/visibility"
)

var (
	conflictUser     string
	conflictArchived bool
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictListRun(cmd.Context())
	},
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictListRun(cmd.Context())
	},
}

var conflictShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show one conflict with its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictShowRun(cmd.Context(), args[0])
	},
}

func init() {
	conflictCmd.PersistentFlags().StringVarP(&conflictUser, "user", "u", "", "User ID (required)")
	conflictListCmd.Flags().BoolVar(&conflictArchived, "archived", false, "Include archived conflicts")

	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictShowCmd)
	rootCmd.AddCommand(conflictCmd)
}

func conflictListRun(ctx context.Context) error {
	if conflictUser == "" {
		return fmt.Errorf("--user is required")
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	conflicts, err := s.ListConflictsByUser(ctx, conflictUser, conflictArchived)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		ui.Info("No conflicts for %s", conflictUser)
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Privacy", "Partner B", "Created"})
	for _, c := range conflicts {
		partnerB := c.PartnerBID
		if partnerB == "" {
			partnerB = "-"
		}
		table.Append([]string{
			c.ID,
			c.Title,
			output.StatusColor(string(c.Status)),
			string(c.Privacy),
			partnerB,
			c.CreatedAt.Format("2006-01-02"),
		})
	}
	return table.Render()
}

func conflictShowRun(ctx context.Context, conflictID string) error {
	if conflictUser == "" {
		return fmt.Errorf("--user is required")
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	c, err := s.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	var rel *models.Relationship
	if c.RelationshipID != "" {
		rel, _ = s.GetRelationship(ctx, c.RelationshipID)
	}
	if !visibility.CanViewMetadata(c, rel, conflictUser) {
		return fmt.Errorf("conflict not found: %s", conflictID)
	}

	sessions, err := s.ListSessionsByConflict(ctx, c.ID)
	if err != nil {
		return err
	}
	view := visibility.Evaluate(c, sessions, conflictUser)

	ui.Info("%s  %s", c.ID, output.Cyan(c.Title))
	fmt.Fprintf(ui.Out, "  status:    %s\n", output.StatusColor(string(c.Status)))
	fmt.Fprintf(ui.Out, "  privacy:   %s\n", c.Privacy)
	fmt.Fprintf(ui.Out, "  partner A: %s (finalized: %v)\n",
		c.PartnerAID, conflict.IsPartnerFinalized(c, models.PartnerSlotA, sessions))
	if c.PartnerBID != "" {
		fmt.Fprintf(ui.Out, "  partner B: %s (finalized: %v)\n",
			c.PartnerBID, conflict.IsPartnerFinalized(c, models.PartnerSlotB, sessions))
	} else {
		fmt.Fprintf(ui.Out, "  partner B: (not invited)\n")
	}
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Session", "Type", "Status", "Owner", "Messages", "Visible"})
	for _, sess := range sessions {
		visible := visibility.CanViewSession(c, sessions, sess, conflictUser)
		visStr := output.Green("yes")
		if !visible {
			visStr = output.Red("no")
		}
		table.Append([]string{
			sess.ID,
			string(sess.SessionType),
			string(sess.Status),
			sess.UserID,
			fmt.Sprintf("%d", len(sess.Messages)),
			visStr,
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  can view partner A transcript: %v\n", view.CanViewA)
	fmt.Fprintf(ui.Out, "  can view partner B transcript: %v\n", view.CanViewB)
	return nil
}
