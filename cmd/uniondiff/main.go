package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/unionkit/uniondiff/caps"
	"github.com/unionkit/uniondiff/differ"
	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/internal/errdefs"
	"github.com/unionkit/uniondiff/ocilayer"
	"github.com/unionkit/uniondiff/output"
	"github.com/unionkit/uniondiff/tree"
	"github.com/unionkit/uniondiff/whiteout"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errdefs.IsRootNotFound(err):
		return 2
	case errdefs.IsPrivilege(err):
		return 3
	default:
		return 1
	}
}

// fileConfig carries defaults loaded from --config. Flags given on the
// command line win over the file.
type fileConfig struct {
	DiffType       string `yaml:"diff_type"`
	OutputType     string `yaml:"output_type"`
	PreserveOwners *bool  `yaml:"preserve_owners"`
	OpaqueDirs     *bool  `yaml:"opaque_dirs"`
	CompareContent *bool  `yaml:"compare_content"`
	BestEffort     *bool  `yaml:"best_effort"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &fileConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var verbose, quiet int

	cmd := &cobra.Command{
		Use:   "uniondiff",
		Short: "Compute the directory difference merged - lower",
		Long: `uniondiff computes the difference between two filesystem trees: the upper
layer that, unioned over the lower tree, reproduces the merged tree.
Deletions are encoded as whiteouts, so the result is directly usable as a
container image layer.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose, quiet)
		},
	}

	cmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	cmd.PersistentFlags().CountVarP(&quiet, "quiet", "q", "Decrease log verbosity (repeatable)")

	cmd.AddCommand(newDiffCommand())
	cmd.AddCommand(newLayerCommand())

	return cmd
}

func setupLogging(verbose, quiet int) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	level := int(logrus.WarnLevel) + verbose - quiet
	switch {
	case level <= int(logrus.ErrorLevel):
		logrus.SetLevel(logrus.ErrorLevel)
	case level >= int(logrus.TraceLevel):
		logrus.SetLevel(logrus.TraceLevel)
	default:
		logrus.SetLevel(logrus.Level(level))
	}
}

// openTree maps an input path to a tree provider. The auto type treats
// directories as live trees and everything else as a tar archive.
func openTree(path, inputType string) (tree.Tree, error) {
	switch inputType {
	case "file":
		return tree.NewDirTree(path)
	case "tar":
		return tree.NewArchiveTree(path)
	case "auto", "":
		info, err := os.Stat(path)
		if err != nil {
			return nil, errdefs.RootNotFound(path, err)
		}
		if info.IsDir() {
			return tree.NewDirTree(path)
		}
		return tree.NewArchiveTree(path)
	default:
		return nil, fmt.Errorf("unknown input type %q", inputType)
	}
}

func parseOwner(s string) (*entry.Owner, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("owner must be uid:gid, got %q", s)
	}
	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("bad uid in %q: %w", s, err)
	}
	gid, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad gid in %q: %w", s, err)
	}
	return &entry.Owner{UID: uid, GID: gid}, nil
}

func newDiffCommand() *cobra.Command {
	var (
		outputPath      string
		outputType      string
		diffType        string
		mergedInputType string
		lowerInputType  string
		configPath      string
		owner           string
		preserveOwners  bool
		opaqueDirs      bool
		compareContent  bool
		scrubMtimes     bool
		dryRun          bool
		force           bool
		bestEffort      bool
	)

	cmd := &cobra.Command{
		Use:   "diff <merged> <lower>",
		Short: "Write the diff of two trees as an archive or directory",
		Long: `Compute merged - lower and write the resulting upper layer. Inputs may be
directories or tar archives (optionally gzip or zstd compressed) in any
combination. Archive outputs stream to stdout by default; the file output
type materializes the layer as a directory tree and requires -o.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("diff-type") && cfg.DiffType != "" {
					diffType = cfg.DiffType
				}
				if !cmd.Flags().Changed("output-type") && cfg.OutputType != "" {
					outputType = cfg.OutputType
				}
				if !cmd.Flags().Changed("preserve-owners") && cfg.PreserveOwners != nil {
					preserveOwners = *cfg.PreserveOwners
				}
				if !cmd.Flags().Changed("opaque-dirs") && cfg.OpaqueDirs != nil {
					opaqueDirs = *cfg.OpaqueDirs
				}
				if !cmd.Flags().Changed("compare-content") && cfg.CompareContent != nil {
					compareContent = *cfg.CompareContent
				}
				if !cmd.Flags().Changed("best-effort") && cfg.BestEffort != nil {
					bestEffort = *cfg.BestEffort
				}
			}

			conv, err := whiteout.ParseConvention(diffType)
			if err != nil {
				return err
			}
			var compression output.Compression
			switch outputType {
			case "file":
			case "tar":
				compression = output.CompressionNone
			case "tgz":
				compression = output.CompressionGzip
			case "tzst":
				compression = output.CompressionZstd
			default:
				return fmt.Errorf("unknown output type %q", outputType)
			}

			opts := differ.Options{
				PreserveOwners: preserveOwners,
				OpaqueDirs:     opaqueDirs,
				CompareContent: compareContent,
				ScrubMtimes:    scrubMtimes,
			}
			if owner != "" {
				opts.OwnerOverride, err = parseOwner(owner)
				if err != nil {
					return err
				}
			}

			merged, err := openTree(args[0], mergedInputType)
			if err != nil {
				return err
			}
			lower, err := openTree(args[1], lowerInputType)
			if err != nil {
				return err
			}
			d := differ.New(merged, lower, opts)

			detected := caps.Detect()
			conv = whiteout.ForTarget(conv, detected, outputType == "file" && !dryRun)
			enc := whiteout.NewEncoder(conv)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if dryRun {
				return output.WriteDiff(ctx, d, enc, output.NewDryRunWriter(cmd.OutOrStdout()))
			}

			if outputType == "file" {
				if outputPath == "" {
					return fmt.Errorf("file output requires -o")
				}
				w, err := output.NewDirWriter(outputPath, output.DirWriterOptions{
					PreserveOwners: preserveOwners,
					BestEffort:     bestEffort,
					Caps:           detected,
				})
				if err != nil {
					return err
				}
				return output.WriteDiff(ctx, d, enc, w)
			}

			var sink io.Writer
			if outputPath == "" || outputPath == "-" {
				if isTerminal(os.Stdout) && !force {
					return fmt.Errorf("refusing to write an archive to a terminal (use --force or -o)")
				}
				sink = os.Stdout
			} else {
				f, err := os.Create(outputPath)
				if err != nil {
					return errdefs.WriteFailed("create", outputPath, err)
				}
				defer f.Close()
				sink = f
			}
			w, err := output.NewArchiveWriter(sink, compression)
			if err != nil {
				return err
			}
			return output.WriteDiff(ctx, d, enc, w)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path (default stdout for archives)")
	cmd.Flags().StringVar(&outputType, "output-type", "tgz", "Output type (file, tar, tgz, tzst)")
	cmd.Flags().StringVar(&diffType, "diff-type", "overlay", "Whiteout convention (overlay, aufs)")
	cmd.Flags().StringVar(&mergedInputType, "merged-input-type", "auto", "Merged input type (auto, file, tar)")
	cmd.Flags().StringVar(&lowerInputType, "lower-input-type", "auto", "Lower input type (auto, file, tar)")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML file with flag defaults")
	cmd.Flags().StringVar(&owner, "owner", "", "Force uid:gid on every emitted entry")
	cmd.Flags().BoolVarP(&preserveOwners, "preserve-owners", "p", false, "Compare and materialize file ownership")
	cmd.Flags().BoolVar(&opaqueDirs, "opaque-dirs", false, "Collapse fully replaced directories into opaque markers")
	cmd.Flags().BoolVar(&compareContent, "compare-content", false, "Compare file bytes instead of trusting size and mtime")
	cmd.Flags().BoolVar(&scrubMtimes, "scrub-mtimes", false, "Zero modification times on emitted entries")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the operation stream without writing")
	cmd.Flags().BoolVar(&force, "force", false, "Allow writing an archive to a terminal")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "Log and skip individual write failures (file output)")

	return cmd
}

func newLayerCommand() *cobra.Command {
	var (
		outputPath     string
		diffType       string
		compression    string
		scratchDir     string
		preserveOwners bool
		opaqueDirs     bool
		compareContent bool
	)

	cmd := &cobra.Command{
		Use:   "layer <merged> <lower>",
		Short: "Package the diff of two trees as an OCI image layer",
		Long: `Compute merged - lower and package the result as an OCI image layer blob,
printing its descriptor (digest, size, media type) on stdout.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputPath == "" {
				return fmt.Errorf("layer output requires -o")
			}
			conv, err := whiteout.ParseConvention(diffType)
			if err != nil {
				return err
			}
			var comp output.Compression
			switch compression {
			case "gzip":
				comp = output.CompressionGzip
			case "zstd":
				comp = output.CompressionZstd
			default:
				return fmt.Errorf("unknown layer compression %q", compression)
			}

			merged, err := openTree(args[0], "auto")
			if err != nil {
				return err
			}
			lower, err := openTree(args[1], "auto")
			if err != nil {
				return err
			}
			d := differ.New(merged, lower, differ.Options{
				PreserveOwners: preserveOwners,
				OpaqueDirs:     opaqueDirs,
				CompareContent: compareContent,
			})

			scratch, err := os.MkdirTemp(scratchDir, "uniondiff-layer-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			layer, err := ocilayer.FromDiff(ctx, d, whiteout.NewEncoder(conv), scratch, comp)
			if err != nil {
				return err
			}

			blob, err := layer.Compressed()
			if err != nil {
				return err
			}
			out, err := os.Create(outputPath)
			if err != nil {
				blob.Close()
				return errdefs.WriteFailed("create", outputPath, err)
			}
			_, err = io.Copy(out, blob)
			blob.Close()
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return errdefs.WriteFailed("write", outputPath, err)
			}

			desc, err := ocilayer.Descriptor(layer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "digest: %s\nsize: %d\nmediaType: %s\n",
				desc.Digest, desc.Size, desc.MediaType)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Path for the layer blob")
	cmd.Flags().StringVar(&diffType, "diff-type", "overlay", "Whiteout convention (overlay, aufs)")
	cmd.Flags().StringVar(&compression, "compression", "gzip", "Layer compression (gzip, zstd)")
	cmd.Flags().StringVar(&scratchDir, "scratch-dir", "", "Directory for intermediate files (default system temp)")
	cmd.Flags().BoolVarP(&preserveOwners, "preserve-owners", "p", false, "Compare and record file ownership")
	cmd.Flags().BoolVar(&opaqueDirs, "opaque-dirs", false, "Collapse fully replaced directories into opaque markers")
	cmd.Flags().BoolVar(&compareContent, "compare-content", false, "Compare file bytes instead of trusting size and mtime")

	return cmd
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
