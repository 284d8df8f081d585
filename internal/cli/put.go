package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/framestore/internal/model"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Append a frame",
		Long: "Append a frame. Content can be a positional arg, a file (--file) or piped via stdin. " +
			"A frame may also carry only metadata and --search-text.",
		Run: runPut,
	}

	d := model.DefaultPutOptions().EnrichOptions()
	f := cmd.Flags()
	f.String("file", "", "Read content from a file")
	f.String("track", "", "Track (stream) the frame belongs to")
	f.String("kind", "", "Free-form kind")
	f.String("uri", "", "Source URI")
	f.String("title", "", "Title")
	f.String("metadata", "", "Metadata object as JSON or YAML")
	f.String("search-text", "", "Text to index instead of the content")
	f.StringSliceP("tags", "t", nil, "Tags (comma-separated)")
	f.StringSlice("labels", nil, "Labels (comma-separated)")
	f.StringToString("extra", nil, "Extra metadata as key=value pairs")
	f.String("timestamp", "", "Timestamp (RFC 3339, default now)")
	f.String("role", string(model.RoleDocument), "Role: document, document_chunk, extracted_image")
	f.Int64("parent", -1, "Parent frame id")
	f.String("source-path", "", "Original file path")
	f.Bool("embed", d.EnableEmbedding, "Compute an embedding")
	f.Bool("auto-tag", d.AutoTag, "Derive tags")
	f.Bool("extract-dates", d.ExtractDates, "Extract dates")
	f.Bool("extract-triplets", d.ExtractTriplets, "Extract subject-predicate-object triplets")
	f.Bool("no-raw", d.NoRaw, "Do not retain the raw content")
	f.Bool("dedup", false, "Return the existing frame for identical content")
	f.Bool("instant-index", d.InstantIndex, "Make the frame searchable before enrichment")
	f.Int("budget-ms", d.ExtractionBudgetMS, "Extraction time budget in milliseconds (0 = unbounded)")
	f.Bool("wait", false, "Wait for enrichment and print the enriched frame")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	opts, err := putOptionsFromFlags(cmd)
	if err != nil {
		exitErr("put", err)
	}
	content, err := readContent(cmd, args)
	if err != nil {
		exitErr("read content", err)
	}
	if len(content) == 0 && opts.SearchText == "" && opts.Metadata.IsNull() && opts.Title == "" {
		exitErr("put", fserr.New(fserr.CodeCLIInputInvalid, "content, --search-text, --title or --metadata is required"))
	}
	if opts.SourcePath == "" {
		opts.SourcePath, _ = cmd.Flags().GetString("file")
	}

	s := openStore(cmd.Context())
	defer closeStore(s)

	id, err := s.Put(cmd.Context(), content, opts)
	if fserr.IsCommitFailure(err) {
		// The frame exists and keeps its id; only the commit is pending.
		printJSON(provisionalResult(id, err))
		closeStore(s)
		exitErr("put", err)
	}
	if err != nil {
		exitErr("put", err)
	}

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := s.WaitEnrichment(ctx); err != nil {
			exitErr("wait for enrichment", err)
		}
	}

	f, _ := s.GetFrame(id)
	printJSON(f)
}

type putResult struct {
	ID          model.FrameID `json:"id"`
	Provisional bool          `json:"provisional"`
	Error       string        `json:"error"`
	Code        fserr.Code    `json:"code"`
}

func provisionalResult(id model.FrameID, err error) putResult {
	return putResult{ID: id, Provisional: true, Error: err.Error(), Code: fserr.CodeOf(err)}
}

// boolFlag returns the flag's value when it was set on the command line and
// nil otherwise, leaving the default to the store.
func boolFlag(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return model.BoolPtr(v)
}

func putOptionsFromFlags(cmd *cobra.Command) (model.PutOptions, error) {
	flags := cmd.Flags()
	opts := model.DefaultPutOptions()

	opts.Track, _ = flags.GetString("track")
	opts.Kind, _ = flags.GetString("kind")
	opts.URI, _ = flags.GetString("uri")
	opts.Title, _ = flags.GetString("title")
	opts.SearchText, _ = flags.GetString("search-text")
	opts.Tags, _ = flags.GetStringSlice("tags")
	opts.Labels, _ = flags.GetStringSlice("labels")
	opts.ExtraMetadata, _ = flags.GetStringToString("extra")
	opts.SourcePath, _ = flags.GetString("source-path")
	opts.EnableEmbedding, _ = flags.GetBool("embed")
	opts.NoRaw, _ = flags.GetBool("no-raw")
	opts.Dedup, _ = flags.GetBool("dedup")
	opts.AutoTag = boolFlag(cmd, "auto-tag")
	opts.ExtractDates = boolFlag(cmd, "extract-dates")
	opts.ExtractTriplets = boolFlag(cmd, "extract-triplets")
	opts.InstantIndex = boolFlag(cmd, "instant-index")
	if flags.Changed("budget-ms") {
		budget, _ := flags.GetInt("budget-ms")
		opts.ExtractionBudgetMS = model.Int(budget)
	}

	role, _ := flags.GetString("role")
	opts.Role = model.Role(role)

	if parent, _ := flags.GetInt64("parent"); parent >= 0 {
		opts.ParentID = model.ID(model.FrameID(parent))
	}

	if ts, _ := flags.GetString("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return opts, fserr.Wrap(err, fserr.CodeCLIInputInvalid, "timestamp must be RFC 3339")
		}
		opts.Timestamp = &t
	}

	if raw, _ := flags.GetString("metadata"); raw != "" {
		meta, err := parseMetadata(raw)
		if err != nil {
			return opts, err
		}
		opts.Metadata = meta
	}
	return opts, nil
}

// parseMetadata accepts JSON or YAML; JSON documents are valid YAML.
func parseMetadata(raw string) (model.Value, error) {
	var decoded any
	if err := yaml.Unmarshal([]byte(raw), &decoded); err != nil {
		return model.Value{}, fserr.Wrap(err, fserr.CodeCLIInputInvalid, "metadata is neither JSON nor YAML")
	}
	v, err := model.FromAny(decoded)
	if err != nil {
		return model.Value{}, fserr.Wrap(err, fserr.CodeCLIInputInvalid, "convert metadata")
	}
	return v, nil
}

// readContent takes the positional args, then --file, then piped stdin.
func readContent(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return b, nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return nil, nil
	}
	return io.ReadAll(os.Stdin)
}
