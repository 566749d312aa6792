package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"

	"github.com/Virtual-Machine/corrosion/hostdisk"
	"github.com/Virtual-Machine/corrosion/mkfs"
)

var (
	ExitCode = 0

	blocks    = flag.Uint64("blocks", 32768, "image size in blocks")
	inodes    = flag.Uint64("inodes", 4096, "number of inodes")
	blockSize = flag.Uint64("bs", 1024, "block size in bytes")
	out       = flag.String("o", "hdd.img", "output image")
)

func setupLogging() {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}),
	))
}

func build(src string) error {
	im := mkfs.NewWithBlockSize(*blockSize, *blocks, *inodes)
	if src != "" {
		if err := im.AddHostDir(src); err != nil {
			return fmt.Errorf("pack %s: %w", src, err)
		}
	}
	if err := im.Finish(); err != nil {
		return err
	}

	img := im.Bytes()
	d, err := hostdisk.NewFileDisk(*out, (uint64(len(img))+4095)/4096)
	if err != nil {
		return err
	}
	defer d.Close()
	for i := uint64(0); i < d.Size(); i++ {
		blk := make([]byte, 4096)
		if i*4096 < uint64(len(img)) {
			copy(blk, img[i*4096:])
		}
		d.Write(i, blk)
	}
	d.Barrier()

	slog.Info("Image written.", "path", *out,
		"size", humanize.IBytes(uint64(len(img))),
		"used", humanize.IBytes(im.Used()*im.BlockSize()),
		"dirs", len(im.Dirs()))
	return nil
}

func main() {
	defer func() {
		os.Exit(ExitCode)
	}()

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: mkfs [flags] [dir]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	setupLogging()

	if err := build(flag.Arg(0)); err != nil {
		slog.Error("Failed to build image.", "err", err)
		ExitCode = 1
	}
}
