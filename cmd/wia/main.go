package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/plumbing"
	"github.com/bodgit/wia"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var fs = afero.NewOsFs()

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func discType(t uint32) string {
	switch t {
	case wia.DiscGameCube:
		return "GameCube"
	case wia.DiscWii:
		return "Wii"
	}
	return fmt.Sprintf("unknown (%d)", t)
}

func compressionType(t uint32) string {
	switch t {
	case wia.CompressionNone:
		return "none"
	case wia.CompressionPurge:
		return "purge"
	case wia.CompressionBzip2:
		return "bzip2"
	case wia.CompressionLZMA:
		return "LZMA"
	case wia.CompressionLZMA2:
		return "LZMA2"
	}
	return fmt.Sprintf("unknown (%d)", t)
}

func info(w io.Writer, name string) error {
	f, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	d, err := wia.NewDecoder(io.NewSectionReader(f, 0, fi.Size()))
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Game ID:     %s\n", d.GameID())
	fmt.Fprintf(w, "Disc type:   %s\n", discType(d.DiscType()))
	fmt.Fprintf(w, "Version:     %s\n", wia.VersionString(d.Version()))
	fmt.Fprintf(w, "Compression: %s\n", compressionType(d.Compression()))
	fmt.Fprintf(w, "Chunk size:  %d\n", d.BlockSize())
	fmt.Fprintf(w, "Disc size:   %d\n", d.DataSize())
	fmt.Fprintf(w, "File size:   %d\n", d.RawSize())

	return nil
}

func decompress(src, dst string, verbose bool) error {
	if dst == "" {
		if ext := filepath.Ext(src); ext != wia.Extension {
			return fmt.Errorf("source file %s does not have %s extension", src, wia.Extension)
		}

		dst = strings.TrimSuffix(src, wia.Extension) + ".iso"
	}

	rc, err := wia.OpenReader(src)
	if err != nil {
		return err
	}
	defer rc.Close()

	var w io.WriteCloser

	w, err = fs.Create(dst)
	if err != nil {
		return err
	}

	if verbose {
		pb := progressbar.DefaultBytes(rc.Size())
		w = plumbing.MultiWriteCloser(w, plumbing.NopWriteCloser(pb))
	}

	defer w.Close()

	_, err = io.Copy(w, rc)

	return err
}

func main() {
	app := cli.NewApp()

	app.Name = "wia"
	app.Usage = "GameCube/Wii WIA disc image utility"
	app.Version = fmt.Sprintf("%s, commit %s, built at %s", version, commit, date)

	app.Commands = []*cli.Command{
		{
			Name:        "info",
			Usage:       "Print details about a " + wia.Extension + " file",
			Description: "",
			ArgsUsage:   "FILE",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				return info(c.App.Writer, c.Args().Get(0))
			},
		},
		{
			Name:        "decompress",
			Usage:       "Decompress a " + wia.Extension + " file back to a .iso file",
			Description: "",
			ArgsUsage:   "SOURCE [TARGET]",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				return decompress(c.Args().Get(0), c.Args().Get(1), c.Bool("verbose"))
			},
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "verbose",
					Aliases: []string{"v"},
					Usage:   "increase verbosity",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
