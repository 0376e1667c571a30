package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/sparsh/internal/booking"
	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/identity"
	"github.com/ashureev/sparsh/internal/session"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage counselor appointment slots",
	}
	cmd.AddCommand(slotsSeedCmd())
	cmd.AddCommand(slotsListCmd())
	cmd.AddCommand(slotsStatusCmd("confirm", "Approve a pending slot request"))
	cmd.AddCommand(slotsStatusCmd("release", "Reopen a slot"))
	return cmd
}

// seedFile is the YAML layout accepted by `slots seed`.
type seedFile struct {
	Counselor struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"counselor"`
	Slots []domain.Slot `yaml:"slots"`
}

// parseSeed decodes a seed file. Slots inherit the file's counselor and are
// always created open.
func parseSeed(r io.Reader) ([]domain.Slot, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if len(f.Slots) == 0 {
		return nil, fmt.Errorf("seed file has no slots")
	}

	slots := make([]domain.Slot, 0, len(f.Slots))
	for i, s := range f.Slots {
		if s.CounselorID == "" {
			s.CounselorID = f.Counselor.ID
		}
		if s.CounselorID == "" {
			s.CounselorID = session.DefaultCounselorID
		}
		if s.CounselorName == "" {
			s.CounselorName = f.Counselor.Name
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.Date == "" || s.Time == "" {
			return nil, fmt.Errorf("slot %d (%s): date and time are required", i+1, s.ID)
		}
		s.Status = domain.SlotOpen
		if err := s.Validate(); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, nil
}

func slotsSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create open slots from a YAML file",
		Long: `Create open slots from a YAML file.

Example file:
  counselor:
    id: counselor_dimple
    name: Dr. Dimple
  slots:
    - id: S1
      date: "2026-10-20"
      time: "10:00"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			slots, err := parseSeed(f)
			if err != nil {
				return err
			}

			_, repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx := context.Background()
			for _, s := range slots {
				if err := repo.CreateSlot(ctx, s); err != nil {
					return fmt.Errorf("create slot %s: %w", s.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Seeded %d slots\n", len(slots))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "slots.yaml", "YAML seed file")
	return cmd
}

func slotsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all slots and who holds them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			slots, err := repo.GetSlots(context.Background())
			if err != nil {
				return err
			}
			renderSlots(cmd.OutOrStdout(), slots)
			return nil
		},
	}
}

func slotsStatusCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <slot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			c := booking.NewCoordinator(repo)
			ctx := context.Background()
			if action == "confirm" {
				err = c.Confirm(ctx, args[0])
			} else {
				err = c.Release(ctx, args[0])
			}
			if err != nil {
				return err
			}
			slot, _ := c.Slot(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now %s\n", slot.ID, statusBadge(slot.Status))
			return nil
		},
	}
}

func renderSlots(w io.Writer, slots []domain.Slot) {
	if len(slots) == 0 {
		fmt.Fprintln(w, "No slots.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tCOUNSELOR\tSTATUS\tSTUDENT")
	for _, s := range slots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Label(), s.CounselorName, statusBadge(s.Status), s.StudentName)
	}
	_ = tw.Flush()
}

func statusBadge(s domain.SlotStatus) string {
	switch s {
	case domain.SlotOpen:
		return color.New(color.FgHiGreen).Sprint(strings.ToUpper(string(s)))
	case domain.SlotRequested:
		return color.New(color.FgYellow).Sprint(strings.ToUpper(string(s)))
	case domain.SlotConfirmed:
		return color.New(color.FgHiBlue).Sprint(strings.ToUpper(string(s)))
	default:
		return color.New(color.FgRed).Sprint(strings.ToUpper(string(s)))
	}
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage student wellness tasks",
	}

	var assignedBy string
	assign := &cobra.Command{
		Use:   "assign <user-key> <title>",
		Short: "Assign a task to a student",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userKey := identity.NormalizeUserKey(args[0])
			if userKey == "" {
				return fmt.Errorf("%q is not a valid user key", args[0])
			}
			title := strings.TrimSpace(args[1])
			if title == "" {
				return fmt.Errorf("title is required")
			}

			_, repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			task := domain.Task{
				ID:         uuid.NewString(),
				Title:      title,
				AssignedBy: assignedBy,
				CreatedAt:  time.Now(),
			}
			if err := repo.CreateTask(context.Background(), userKey, task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Assigned %q to %s\n", title, userKey)
			return nil
		},
	}
	assign.Flags().StringVar(&assignedBy, "by", "Counselor", "Name shown as the assigner")
	cmd.AddCommand(assign)
	return cmd
}

func leaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Manage wellness leave",
	}

	var issuedBy, until string
	grant := &cobra.Command{
		Use:   "grant <user-key>",
		Short: "Grant a wellness leave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userKey := identity.NormalizeUserKey(args[0])
			if userKey == "" {
				return fmt.Errorf("%q is not a valid user key", args[0])
			}
			if _, err := time.Parse(time.DateOnly, until); err != nil {
				return fmt.Errorf("--until must be YYYY-MM-DD: %w", err)
			}

			_, repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			leave := domain.Leave{
				ID:        uuid.NewString(),
				UserKey:   userKey,
				IssuedBy:  issuedBy,
				ExpiresOn: until,
				Active:    true,
			}
			if err := repo.GrantLeave(context.Background(), leave); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Leave granted to %s until %s\n", userKey, until)
			return nil
		},
	}
	grant.Flags().StringVar(&issuedBy, "by", "Counselor", "Name shown as the issuer")
	grant.Flags().StringVar(&until, "until", "", "Last day of leave (YYYY-MM-DD)")
	_ = grant.MarkFlagRequired("until")
	cmd.AddCommand(grant)
	return cmd
}
