package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/moderation"
)

// classifyCmd lets operators test the moderation gate against the same
// term set the server uses, from args or stdin.
var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Run the moderation gate over text",
	Run: func(cmd *cobra.Command, args []string) {
		var gate *moderation.Gate
		if path := os.Getenv("BLOCKLIST_PATH"); path != "" {
			gate = moderation.New(moderation.WithFile(afero.NewOsFs(), path))
		} else {
			gate = moderation.New()
		}

		classify := func(text string) {
			result := gate.Classify(text)
			if result.Allowed {
				fmt.Println("allowed")
				return
			}
			if result.Term != "" {
				fmt.Printf("rejected: %s (term: %q)\n", result.Reason, result.Term)
			} else {
				fmt.Printf("rejected: %s\n", result.Reason)
			}
		}

		if len(args) > 0 {
			classify(strings.Join(args, " "))
			return
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			classify(scanner.Text())
		}
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}
