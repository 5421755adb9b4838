package main

import (
	"archive/zip"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/ota-agent/internal/archive"
	"github.com/benmeehan/ota-agent/internal/models"
)

type inspectResult struct {
	Descriptor    models.PayloadDescriptor `json:"descriptor"`
	PostTimestamp int64                    `json:"post_timestamp"`
	Index         models.ArchiveIndex      `json:"index"`
}

func NewInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <update.zip>",
		Short: "Print the payload offset, properties and post-timestamp of an update package.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := zip.OpenReader(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer r.Close()

			offset, lines, err := archive.LocatePayload(&r.Reader, zerolog.Nop())
			if err != nil {
				return err
			}
			postTimestamp, err := archive.ReadPostTimestamp(&r.Reader)
			if err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(inspectResult{
				Descriptor: models.PayloadDescriptor{
					ArchivePath:       args[0],
					PayloadByteOffset: offset,
					PropertyLines:     lines,
				},
				PostTimestamp: postTimestamp,
				Index:         archive.BuildIndex(archive.EntriesOf(r.File)),
			})
		},
	}
	return cmd
}
