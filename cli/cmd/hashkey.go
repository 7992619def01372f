package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aiqa/server/services/ingest"
)

// keyFileEntry returns the key file document for one hashed key.
func keyFileEntry(key, organisation, role, name string) ingest.KeyFile {
	return ingest.KeyFile{Keys: []ingest.KeyEntry{{
		Name:         name,
		Organisation: organisation,
		Role:         role,
		Hash:         ingest.HashKey(key),
	}}}
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the SHA-256 hash of an API key",
	Long: `Prints the hex SHA-256 hash the server stores for an API key. The key is
read from the argument, or from the first line of stdin when omitted.

With --organisation the output is a key file entry for AIQA_API_KEYS_FILE.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read key from stdin: %w", err)
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("key is empty")
		}

		organisation, _ := cmd.Flags().GetString("organisation")
		if organisation == "" {
			fmt.Fprintln(cmd.OutOrStdout(), ingest.HashKey(key))
			return nil
		}

		role, _ := cmd.Flags().GetString("role")
		name, _ := cmd.Flags().GetString("name")
		entry := keyFileEntry(key, organisation, role, name)

		w := newWriter(cmd)
		if !w.Format().Structured() {
			w = outputYAML(cmd)
		}
		return w.Print(entry)
	},
}

func init() {
	hashKeyCmd.Flags().String("organisation", "", "Emit a key file entry for this organisation")
	hashKeyCmd.Flags().String("role", ingest.DefaultRole, "Role for the key file entry")
	hashKeyCmd.Flags().String("name", "", "Name for the key file entry")
}
