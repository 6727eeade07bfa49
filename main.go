package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/drizzle/internal/jsonutil"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/resumer/boltdbresumer"
	"github.com/cenkalti/drizzle/internal/storage/filestorage"
	"github.com/cenkalti/drizzle/torrent"
	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
	"go.etcd.io/bbolt"
)

var resumeBucket = []byte("torrents")

var mainLog = logger.New("drizzle")

func main() {
	app := cli.NewApp()
	app.Name = "drizzle"
	app.Usage = "BitTorrent client"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: "~/.drizzle.yaml",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "one of debug, info, notice, warning, error, critical",
			Value: "info",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log, same as -log-level=debug",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download a torrent",
			ArgsUsage: "<file.torrent>",
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "peer, p",
					Usage: "peer `ADDRESS` to connect, can be given multiple times",
				},
				cli.StringFlag{
					Name:  "dest",
					Usage: "download files into `DIR` instead of data_dir in config",
				},
				cli.IntFlag{
					Name:  "port",
					Usage: "listen port for incoming peer connections",
					Value: -1,
				},
				cli.BoolFlag{
					Name:  "seed",
					Usage: "continue seeding after download is finished",
				},
				cli.DurationFlag{
					Name:  "interval",
					Usage: "print stats at this interval",
					Value: 5 * time.Second,
				},
			},
			Action: handleDownload,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		mainLog.Error(err)
		os.Exit(1)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	if c.GlobalBool("debug") {
		logger.SetLevel(log.DEBUG)
		return nil
	}
	level, err := logger.ParseLevel(c.GlobalString("log-level"))
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}

func loadConfig(c *cli.Context) (*torrent.Config, error) {
	configPath, err := homedir.Expand(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	cfg, err := torrent.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if port := c.Int("port"); port >= 0 {
		cfg.Port = port
	}
	if dest := c.String("dest"); dest != "" {
		cfg.DataDir = dest
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func handleDownload(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("torrent file must be given as argument")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	f, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	mi, err := metainfo.New(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	if len(mi.Trackers) > 0 {
		mainLog.Infoln("torrent has trackers but announcing is not supported, add peers with -peer flag")
	}

	var addrs []*net.TCPAddr
	for _, s := range c.StringSlice("peer") {
		addr, err2 := net.ResolveTCPAddr("tcp4", s)
		if err2 != nil {
			return fmt.Errorf("invalid peer address %q: %w", s, err2)
		}
		addrs = append(addrs, addr)
	}

	sto, err := filestorage.New(cfg.DataDir)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(cfg.Database), 0750)
	if err != nil {
		return err
	}
	db, err := bbolt.Open(cfg.Database, 0640, &bbolt.Options{Timeout: time.Second})
	if err == bbolt.ErrTimeout {
		return errors.New("resume database is locked by another process")
	} else if err != nil {
		return err
	}
	defer db.Close()

	t, err := newTorrent(&mi.Info, cfg, sto, db)
	if err != nil {
		return err
	}
	defer t.Close()

	if err = t.Start(); err != nil {
		return err
	}
	t.AddPeers(addrs)
	return waitTorrent(t, c.Bool("seed"), c.Duration("interval"))
}

func newTorrent(info *metainfo.Info, cfg *torrent.Config, sto *filestorage.FileStorage, db *bbolt.DB) (*torrent.Torrent, error) {
	res, err := boltdbresumer.New(db, resumeBucket, fmt.Sprintf("%x", info.Hash))
	if err != nil {
		return nil, err
	}
	return torrent.New(info, torrent.Options{
		Config:  cfg,
		Storage: sto,
		Resumer: res,
	})
}

func waitTorrent(t *torrent.Torrent, seed bool, interval time.Duration) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	completeC := t.CompleteNotify()
	for {
		select {
		case <-ticker.C:
			printStats(t)
		case <-completeC:
			completeC = nil
			printStats(t)
			mainLog.Info("download finished")
			if !seed {
				return nil
			}
		case err := <-t.NotifyError():
			printStats(t)
			return err
		case s := <-signals:
			mainLog.Noticef("received %s, stopping", s)
			return nil
		}
	}
}

func printStats(t *torrent.Torrent) {
	b, err := jsonutil.MarshalCompactPretty(t.Stats())
	if err != nil {
		mainLog.Error(err)
		return
	}
	_, _ = os.Stdout.Write(append(b, '\n'))
}
