package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/output"
	"github.com/accordhq/accord/internal/visibility"
)

var (
	sessionUser  string
	sessionLimit int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect conversation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionTranscriptCmd = &cobra.Command{
	Use:   "transcript <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTranscriptRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionCmd.PersistentFlags().StringVarP(&sessionUser, "user", "u", "", "User ID (required)")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 50, "Maximum sessions to list")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionTranscriptCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun(ctx context.Context) error {
	if sessionUser == "" {
		return fmt.Errorf("--user is required")
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListSessionsByUser(ctx, sessionUser, sessionLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions for %s", sessionUser)
		return nil
	}

	table := ui.Table([]string{"ID", "Type", "Status", "Conflict", "Messages", "Created"})
	for _, sess := range sessions {
		conflictID := sess.ConflictID
		if conflictID == "" {
			conflictID = "-"
		}
		table.Append([]string{
			sess.ID,
			string(sess.SessionType),
			string(sess.Status),
			conflictID,
			fmt.Sprintf("%d", len(sess.Messages)),
			sess.CreatedAt.Format("2006-01-02"),
		})
	}
	return table.Render()
}

func sessionTranscriptRun(ctx context.Context, sessionID string) error {
	if sessionUser == "" {
		return fmt.Errorf("--user is required")
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	visible := sess.UserID == sessionUser
	if sess.ConflictID != "" {
		c, err := s.GetConflict(ctx, sess.ConflictID)
		if err != nil {
			return err
		}
		sessions, err := s.ListSessionsByConflict(ctx, sess.ConflictID)
		if err != nil {
			return err
		}
		visible = visibility.CanViewSession(c, sessions, sess, sessionUser)
	}
	if !visible {
		return fmt.Errorf("session %s is not visible to %s", sessionID, sessionUser)
	}

	ui.Info("%s (%s, %s)", sess.ID, sess.SessionType, sess.Status)
	fmt.Fprintln(ui.Out)
	for _, m := range sess.Messages {
		label := string(m.Role)
		switch m.Role {
		case models.MessageRoleAI:
			label = output.Cyan(label)
		case models.MessageRolePartnerA, models.MessageRolePartnerB:
			label = output.Yellow(label)
		default:
			label = output.Green(label)
		}
		if m.SenderID != "" {
			label = fmt.Sprintf("%s (%s)", label, m.SenderID)
		}
		fmt.Fprintf(ui.Out, "%s  %s\n%s\n\n",
			label, m.Timestamp.Format("2006-01-02 15:04"), m.Content)
	}
	return nil
}
