package commands

import (
	"os"
	"path/filepath"
	"strings"

	"uisassist-backend/pkg/sanitize"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var docsRecursive *bool
var docsMaxDepth *int
var downloadOut *string
var downloadAttachment *string
var downloadSubfolder *string

func init() {
	docsRecursive = docsCmd.Flags().Bool("recursive", false, "Descend into subfolders.")
	docsMaxDepth = docsCmd.Flags().Int("max-depth", 0, "Overrides crawl.max_depth from the config.")
	rootCmd.AddCommand(docsCmd)

	downloadOut = downloadCmd.Flags().String("out", ".", "The directory to write the file to.")
	downloadAttachment = downloadCmd.Flags().String("attachment", "", "The attachment name when the file has more than one.")
	downloadSubfolder = downloadCmd.Flags().String("subfolder", "", "The file's subfolder as listed by docs --recursive.")
	rootCmd.AddCommand(downloadCmd)
}

var docsCmd = &cobra.Command{
	Use:   "docs <folder-url> [--recursive] [--max-depth <n>]",
	Short: "Lists the files in a document folder.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustSetup(cmd.Context(), func(cfg *Config) {
			if *docsMaxDepth > 0 {
				cfg.Crawl.MaxDepth = *docsMaxDepth
			}
		})
		defer e.Close()

		result, err := e.service.Documents(cmd.Context(), args[0], *docsRecursive)
		if err != nil {
			e.fatal("failed to crawl folder", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Folder", "Name", "Author", "Date", "Comment", "Attachments"})
		for _, file := range result.Files {
			names := []string{}
			for _, attachment := range file.Files {
				names = append(names, attachment.Name)
			}
			t.AppendRow(table.Row{
				file.Subfolder, file.FileName, file.Author, file.Date, file.FileComment,
				strings.Join(names, "\n"),
			})
		}
		t.AppendFooter(table.Row{"", len(result.Files), "", "", "", ""})
		t.Render()
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <folder-url> <file-name> [--subfolder <path>] [--out <dir>] [--attachment <name>]",
	Short: "Downloads a file from a document folder.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustSetup(cmd.Context())
		defer e.Close()

		result, err := e.service.Download(cmd.Context(), args[0], *downloadSubfolder, args[1], *downloadAttachment)
		if err != nil {
			e.fatal("failed to download file", err)
		}
		if result.Stale {
			e.tel.ReportWarning("cli.download", "the portal no longer serves this file, try it manually", result.Link)
			e.Close()
			os.Exit(1)
		}

		name := sanitize.FileName(result.Name)
		if name == "" {
			name = "download"
		}
		path := filepath.Join(*downloadOut, name)
		err = os.WriteFile(path, result.Body, 0644)
		if err != nil {
			e.fatal("failed to write file", err)
		}
		e.tel.ReportDebug("downloaded", path, result.ContentType, len(result.Body))
	},
}
