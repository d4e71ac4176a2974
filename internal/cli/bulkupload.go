package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewBulkUploadCommand creates the bulk-upload command: the uncapped
// first-run flush for migrating a local-only dataset to the backend.
func NewBulkUploadCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "bulk-upload",
		Short: "Upload the entire pending queue in one pass",
		Long: `Upload every pending local record without the normal batch-size cap.

Intended for the first run after enabling sync on a device with existing
local-only data. Progress is reported per collection as records are
acknowledged by the backend.

Example:
  driftsync bulk-upload --owner player-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBulkUpload(cmd, owner)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "principal to upload for (overrides DRIFTSYNC_OWNER_ID)")
	return cmd
}

func runBulkUpload(cmd *cobra.Command, owner string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := buildClient(cfg, owner, nil)
	if err != nil {
		return err
	}
	defer client.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := cmd.OutOrStdout()
	err = client.sched.ForceBulkUpload(ctx, func(done, total int) {
		fmt.Fprintf(out, "Uploaded %d/%d records\n", done, total)
	})
	if err != nil {
		return fmt.Errorf("bulk upload: %w", err)
	}

	fmt.Fprintln(out, "Bulk upload complete.")
	return nil
}
