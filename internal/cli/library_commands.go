package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/controller"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var (
		offline bool
		pages   int
	)
	cmd := &cobra.Command{
		Use:   "add <file>...",
		Short: "Import PDF or EPUB files into the library",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				var failed []error
				for _, p := range args {
					bk, err := addFile(cmd.Context(), a, p, pages)
					if err != nil {
						failed = append(failed, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "added %s  %s\n", shortID(bk.ID), bk.Title)
				}
				if !offline {
					if err := a.engine.Flush(cmd.Context()); err != nil {
						failed = append(failed, explain(err))
					}
				}
				return errors.Join(failed...)
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Do not upload after importing")
	cmd.Flags().IntVar(&pages, "pages", 0, "Page count to record when it cannot be read from the file")
	return cmd
}

func addFile(ctx context.Context, a *app, path string, pages int) (*catalog.Book, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return a.ctl.AddFile(ctx, controller.Import{
		FileName:   filepath.Base(path),
		TotalPages: pages,
		Content:    f,
	})
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List books in the local library",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				books, err := a.ctl.List()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, books)
				}
				if len(books) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "library is empty")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Author", "Format", "Progress", "Sync", "Size", "Opened"},
					bookRows(books),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func bookRows(books []catalog.Book) [][]string {
	rows := make([][]string, 0, len(books))
	for _, bk := range books {
		size := "-"
		if n := fileSize(bk.LocalFileURI); n >= 0 {
			size = humanize.Bytes(uint64(n))
		}
		opened := "never"
		if !bk.LastOpened.IsZero() {
			opened = humanize.Time(bk.LastOpened)
		}
		sync := string(bk.SyncState)
		if bk.IsLocalOnly() {
			sync = "local"
		}
		rows = append(rows, []string{
			shortID(bk.ID),
			bk.Title,
			bk.Author,
			string(bk.Format),
			fmt.Sprintf("%d/%d", bk.CurrentPage, bk.TotalPages),
			sync,
			size,
			opened,
		})
	}
	return rows
}

func newOpenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Fetch an EPUB if needed and print its chapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				id, err := a.resolveID(args[0])
				if err != nil {
					return err
				}
				m, err := a.ctl.OpenBook(cmd.Context(), id)
				if err != nil {
					return err
				}
				defer a.ctl.ReleaseChapters(id)

				rows := make([][]string, 0, m.Len())
				for i, title := range m.Titles {
					rows = append(rows, []string{strconv.Itoa(i + 1), title})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Chapter"}, rows, []columnAlignment{alignRight, alignLeft}))
				return nil
			})
		},
	}
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "progress <id> <page>",
		Short: "Record the current page of a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("page must be a number: %w", err)
			}
			return withApp(cmd, ctx, func(a *app) error {
				id, err := a.resolveID(args[0])
				if err != nil {
					return err
				}
				bk, err := a.ctl.UpdateProgress(id, page)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: page %d/%d (%s)\n", bk.Title, bk.CurrentPage, bk.TotalPages, strings.ReplaceAll(string(bk.Status), "_", " "))
				if offline {
					return nil
				}
				return explain(a.engine.Flush(cmd.Context()))
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Do not push progress now")
	return cmd
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"remove"},
		Short:   "Delete books locally and from the remote catalog",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				for _, arg := range args {
					id, err := a.resolveID(arg)
					if err != nil {
						return err
					}
					if err := a.ctl.Delete(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", shortID(id))
				}
				return nil
			})
		},
	}
}
