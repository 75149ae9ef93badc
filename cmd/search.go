package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pattern-search/internal/search"
)

var searchFormat string

// querier is the part of search.Service the CLI and HTTP API use.
type querier interface {
	Search(ctx context.Context, term, queryField string) (*search.Response, error)
	SearchByImage(ctx context.Context, imageURL, queryField string) (*search.Response, error)
}

var searchCmd = &cobra.Command{
	Use:   "search <term|imageURL> [queryField]",
	Short: "Search the label index by term or by image URL",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("search"); err != nil {
			return err
		}
		svc, err := initSearchService()
		if err != nil {
			return err
		}
		return runSearch(cmd.Context(), svc, args, searchFormat, os.Stdout)
	},
}

// isImageQuery reports whether the argument should be treated as an image URL.
func isImageQuery(arg string) bool {
	lower := strings.ToLower(strings.TrimSpace(arg))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// runSearch dispatches to term or image search and writes the response.
// Nothing is written when the query fails.
func runSearch(ctx context.Context, q querier, args []string, format string, w io.Writer) error {
	var (
		resp *search.Response
		err  error
	)
	field := ""
	if len(args) > 1 {
		field = args[1]
	}
	if isImageQuery(args[0]) {
		resp, err = q.SearchByImage(ctx, args[0], field)
	} else {
		resp, err = q.Search(ctx, args[0], field)
	}
	if err != nil {
		return err
	}
	return writeResponse(w, resp, format)
}

func writeResponse(w io.Writer, resp *search.Response, format string) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(resp); err != nil {
			return eris.Wrap(err, "search: encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("search: unknown output format %q", format)
	}
}

func init() {
	searchCmd.Flags().StringVar(&searchFormat, "format", "json", "output format: json or yaml")
	rootCmd.AddCommand(searchCmd)
}
