package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cordum/mpk/core/infra/buildinfo"
	"github.com/cordum/mpk/core/mpk/manifest"
	"github.com/cordum/mpk/core/mpk/signer"
)

// withBackend opens the backend for one command and closes it afterwards.
func withBackend(cmd *cobra.Command, opts *rootOptions, fn func(b backend) error) (err error) {
	b, err := openBackend(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(commandContext(cmd)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(b)
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		output       string
		manifestFile string
		m            manifest.Manifest
		codeType     string
	)

	cmd := &cobra.Command{
		Use:   "create <source-dir>",
		Short: "Build a signed package archive from a source directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := &m
			if manifestFile != "" {
				// #nosec G304 -- CLI explicitly reads local files provided by the operator.
				data, err := os.ReadFile(manifestFile)
				if err != nil {
					return fmt.Errorf("read manifest: %w", err)
				}
				if desc, err = manifest.Parse(data); err != nil {
					return err
				}
			} else {
				m.CodeType = manifest.CodeType(codeType)
			}
			h, err := openLocal(opts)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer func() { _ = h.Close(ctx) }()
			out, err := h.Service.Create(ctx, args[0], desc, output)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination archive (.mpk)")
	cmd.Flags().StringVar(&manifestFile, "manifest", "", "manifest.json to embed; overrides the manifest flags")
	cmd.Flags().StringVar(&m.ID, "id", "", "Package id (reverse domain)")
	cmd.Flags().StringVar(&m.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&m.Version, "version", "", "Dotted numeric version")
	cmd.Flags().IntVar(&m.VersionCode, "version-code", 0, "Monotonic version code")
	cmd.Flags().StringVar(&m.Description, "description", "", "Description")
	cmd.Flags().StringVar(&m.Author, "author", "", "Author")
	cmd.Flags().StringVar(&m.Platform, "platform", "", "Target platform")
	cmd.Flags().StringVar(&m.MinPlatformVersion, "min-platform-version", "", "Minimum platform version")
	cmd.Flags().StringVar(&codeType, "code-type", string(manifest.CodeJavaScript), "javascript, python or binary")
	cmd.Flags().StringVar(&m.EntryPoint, "entry-point", "", "Entry point relative to the package root")
	cmd.Flags().StringSliceVar(&m.Permissions, "permission", nil, "Requested permission (repeatable)")
	cmd.Flags().StringVar(&m.Icon, "icon", "", "Icon path relative to the package root")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newParseCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <archive>",
		Short: "Validate an archive and print its manifest and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(b backend) error {
				info, err := b.Parse(commandContext(cmd), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
}

func newInstallCommand(opts *rootOptions, update bool) *cobra.Command {
	var async bool
	use, short := "install <archive>", "Install or reinstall a package archive"
	if update {
		use, short = "update <archive>", "Install an archive only if it is newer than the installed version"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(b backend) error {
				res, err := b.Install(commandContext(cmd), args[0], update, async)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Return the operation id without waiting (requires --gateway)")
	return cmd
}

func newUninstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <package-id>",
		Short: "Remove an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(b backend) error {
				if err := b.Uninstall(commandContext(cmd), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
				return err
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(b backend) error {
				pkgs, err := b.List(commandContext(cmd))
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), pkgs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tVERSION\tTYPE\tSIZE\tUPDATED")
				for _, p := range pkgs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Version, p.CodeType, p.SizeBytes, p.UpdateTime.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <package-id>",
		Short: "Show an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(b backend) error {
				pkg, err := b.Info(commandContext(cmd), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), pkg)
			})
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <package-id>",
		Short: "Check an installed package against its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(b backend) error {
				digest, err := b.Verify(commandContext(cmd), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s ok %s\n", args[0], digest)
				return err
			})
		},
	}
}

func newDigestCommand() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "digest <dir>",
		Short: "Print the content digest of a package directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				digest string
				err    error
			)
			if write {
				digest, err = signer.Sign(args[0])
			} else {
				digest, err = signer.ComputeDigest(args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), digest)
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "Also write "+signer.FileName+" into the directory")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mpkctl %s\n", buildinfo.Info())
			return err
		},
	}
}
