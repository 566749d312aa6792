package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/zeebo/blake3"

	"github.com/Virtual-Machine/corrosion/config"
	"github.com/Virtual-Machine/corrosion/hostdisk"
	"github.com/Virtual-Machine/corrosion/kernel"
	"github.com/Virtual-Machine/corrosion/util"
	"github.com/Virtual-Machine/corrosion/vmm"
)

var (
	ExitCode = 0

	envFile  = flag.String("env", "", "dotenv file with machine settings")
	image    = flag.String("image", "", "disk image (overrides CORROSION_DISK_IMAGE)")
	readOnly = flag.Bool("ro", false, "attach the disk read-only")
	async    = flag.Bool("async", false, "complete disk requests on a device goroutine")
	list     = flag.Bool("ls", false, "list the files on the image")
	cat      = flag.String("cat", "", "print the file at this path")
	sum      = flag.Bool("sum", false, "print a blake3 digest of every file")
	dump     = flag.Bool("dump", false, "print the heap and filesystem maps")
	debug    = flag.Uint64("debug", 0, "debug trace level")
)

func setupLogging(level slog.Level) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *envFile != "" {
		var err error
		if cfg, err = config.Load(*envFile); err != nil {
			return cfg, err
		}
	}
	if *image != "" {
		cfg.DiskImage = *image
	}
	if *readOnly {
		cfg.ReadOnly = true
	}
	if *async {
		cfg.DeviceMode = vmm.ModeAsync
	}
	if *debug > cfg.Debug {
		cfg.Debug = *debug
	}
	return cfg, nil
}

func readAll(k *kernel.Kernel, path string) ([]byte, error) {
	ino, ok := k.FS().Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: not found", path)
	}
	b := make([]byte, ino.Size)
	n, err := k.FilesystemReadFile(path, b, 0)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

func run(cfg config.Config) error {
	if cfg.DiskImage == "" {
		return fmt.Errorf("no disk image given")
	}
	d, err := hostdisk.OpenImage(cfg.DiskImage, cfg.ReadOnly)
	if err != nil {
		return err
	}
	defer d.Close()

	m, dev := kernel.MkMachine(cfg, d, d.Size())
	defer dev.Close()
	k, err := kernel.Boot(m, cfg)
	if err != nil {
		return err
	}

	if *list {
		for _, p := range k.FS().Paths() {
			ino, _ := k.FS().Lookup(p)
			fmt.Printf("%8s  %s\n", humanize.IBytes(uint64(ino.Size)), p)
		}
	}
	if *cat != "" {
		b, err := readAll(k, *cat)
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
	}
	if *sum {
		for _, p := range k.FS().Paths() {
			b, err := readAll(k, p)
			if err != nil {
				return err
			}
			h := blake3.New()
			h.Write(b)
			fmt.Printf("%s  %s\n", hex.EncodeToString(h.Sum(nil)), p)
		}
	}
	if *dump {
		k.Dump(os.Stdout)
	}
	return nil
}

func main() {
	defer func() {
		os.Exit(ExitCode)
	}()

	flag.Parse()
	setupLogging(slog.LevelInfo)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load configuration.", "err", err)
		ExitCode = 1
		return
	}
	util.Debug = cfg.Debug
	if cfg.Debug > 0 {
		setupLogging(slog.LevelDebug)
	}

	if err := run(cfg); err != nil {
		slog.Error("Kernel failed.", "err", err)
		ExitCode = 1
	}
}
