// Command zinfo builds and queries random-access indexes for gzip files.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/coreos/pkg/capnslog"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/coreos/zinfo"
)

var log = capnslog.NewPackageLogger("github.com/coreos/zinfo", "main")

// defaultSpan is the checkpoint spacing used when neither the flag nor
// the settings file provides one. At 4 MiB the index holds about 256
// checkpoints per GiB of uncompressed data.
const defaultSpan = 4 << 20

// settings are optional YAML-file defaults, overridden by flags.
type settings struct {
	Span int64 `yaml:"span"`
}

type buildCmd struct {
	File string `kong:"arg,required,type='existingfile',help='Gzip file to index.'"`
	Span int64  `kong:"help='Approximate uncompressed bytes between checkpoints (default 4MiB).'"`
	Out  string `kong:"help='Output path for the index blob (default FILE.zinfo).',type='path'"`
}

type extractCmd struct {
	File   string `kong:"arg,required,type='existingfile',help='Gzip file to extract from.'"`
	Index  string `kong:"required,type='existingfile',help='Path to the index blob.'"`
	Offset int64  `kong:"required,help='Uncompressed offset to start at.'"`
	Length int    `kong:"required,help='Number of uncompressed bytes to extract.'"`
	Out    string `kong:"help='Output file (default stdout).',type='path'"`
}

type infoCmd struct {
	Index string `kong:"arg,required,type='existingfile',help='Path to the index blob.'"`
}

type cli struct {
	Debug  bool   `kong:"short='d',help='Enable debug logging.'"`
	Config string `kong:"type='path',help='YAML settings file.'"`

	Build   buildCmd   `kong:"cmd,help='Build an index for a gzip file.'"`
	Extract extractCmd `kong:"cmd,help='Extract an uncompressed range using an index.'"`
	Info    infoCmd    `kong:"cmd,help='Describe an index blob.'"`
}

func main() {
	// A .env file may carry ZINFO_* defaults for the flags below.
	_ = godotenv.Load(".env")

	var c cli
	ctx := kong.Parse(&c,
		kong.Name("zinfo"),
		kong.Description("Build and query random-access indexes for gzip files."),
		kong.UsageOnError(),
		kong.DefaultEnvars("ZINFO"),
	)

	capnslog.SetFormatter(capnslog.NewPrettyFormatter(os.Stderr, c.Debug))
	if c.Debug {
		capnslog.SetGlobalLogLevel(capnslog.DEBUG)
	} else {
		capnslog.SetGlobalLogLevel(capnslog.INFO)
	}

	s, err := loadSettings(c.Config)
	if err != nil {
		log.Fatalf("loading settings: %v", err)
	}

	if err := ctx.Run(s); err != nil {
		log.Fatalf("%v", err)
	}
}

func loadSettings(path string) (*settings, error) {
	s := &settings{}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading settings file")
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "parsing settings file")
	}
	return s, nil
}

func (c *buildCmd) Run(s *settings) error {
	span := c.Span
	if span == 0 {
		span = s.Span
	}
	if span == 0 {
		span = defaultSpan
	}

	idx, err := zinfo.BuildIndex(c.File, span)
	if err != nil {
		return errors.Wrap(err, "building index")
	}

	blob, err := idx.Blob()
	if err != nil {
		return err
	}
	out := c.Out
	if out == "" {
		out = c.File + ".zinfo"
	}
	if err := os.WriteFile(out, blob, 0644); err != nil {
		return errors.Wrap(err, "writing index blob")
	}

	log.Infof("wrote %s: %d checkpoints, %d bytes, span %d", out, idx.Count(), len(blob), span)
	return nil
}

func (c *extractCmd) Run(*settings) error {
	blob, err := os.ReadFile(c.Index)
	if err != nil {
		return errors.Wrap(err, "reading index blob")
	}
	idx, err := zinfo.NewIndexFromBlob(blob)
	if err != nil {
		return err
	}

	buf := make([]byte, c.Length)
	n, err := zinfo.ExtractDataFromFile(c.File, idx, c.Offset, buf)
	if err != nil {
		return errors.Wrap(err, "extracting")
	}
	if n < len(buf) {
		log.Debugf("stream ended early: got %d of %d bytes", n, len(buf))
	}

	if c.Out == "" {
		_, err = os.Stdout.Write(buf[:n])
		return err
	}
	return os.WriteFile(c.Out, buf[:n], 0644)
}

func (c *infoCmd) Run(*settings) error {
	blob, err := os.ReadFile(c.Index)
	if err != nil {
		return errors.Wrap(err, "reading index blob")
	}
	idx, err := zinfo.NewIndexFromBlob(blob)
	if err != nil {
		return err
	}

	fmt.Printf("version:     %d\n", idx.Version)
	fmt.Printf("span:        %d\n", idx.Span)
	fmt.Printf("checkpoints: %d\n", idx.Count())
	for i := range idx.Checkpoints {
		cp := &idx.Checkpoints[i]
		fmt.Printf("  %4d: in=%-12d out=%-12d bits=%d\n", i, cp.In, cp.Out, cp.Bits)
	}
	return nil
}
