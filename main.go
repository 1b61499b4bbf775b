package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/learnhub/reportd/api"
	"github.com/learnhub/reportd/client"
	"github.com/learnhub/reportd/config"
	"github.com/learnhub/reportd/job"
	"github.com/learnhub/reportd/notifier"
	"github.com/learnhub/reportd/poll"
	"github.com/learnhub/reportd/processor"
	"github.com/learnhub/reportd/processor/filestorage"
	"github.com/learnhub/reportd/storage"

	"github.com/go-redis/redis"
	"github.com/urfave/cli"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "reportd"
	app.Usage = "Async report generation service"
	app.HideVersion = true

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "`FILE` to load config from",
		Value: "config.json",
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "api",
			Usage: "Start the API web server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "`HOST` to listen on",
					Value: "0.0.0.0",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "`PORT` to listen on",
					Value: 8000,
				},
				configFlag,
			},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				st, err := storage.New(redisClient("api", cfg.Redis.Addr))
				if err != nil {
					return err
				}

				logger := log.New(os.Stderr, "[api] ", log.Ldate|log.Ltime)
				a := api.New(st, c.String("host"), c.Int("port"), logger)
				a.HeartbeatPath = cfg.API.HeartbeatPath
				if len(cfg.Processor.Storage) > 0 {
					artifacts, err := filestorage.FromConfig(cfg.Processor.Storage)
					if err != nil {
						return err
					}
					a.Artifacts = artifacts
				}

				go func() {
					logger.Println(fmt.Sprintf("Listening on %s...", a.Server.Addr))
					err := a.Server.ListenAndServe()
					if err != nil && err != http.ErrServerClosed {
						logger.Fatal(err)
					}
				}()

				<-sigCh
				logger.Println("Shutting down gracefully...")
				err = a.Server.Shutdown(context.TODO())
				if err != nil {
					return err
				}
				logger.Println("Bye!")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "processor",
			Usage: "Start the report processor",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "records-url",
					Usage: "Base `URL` of the records feed",
					Value: "http://localhost:9000/records",
				},
				configFlag,
			},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				st, err := storage.New(redisClient("processor", cfg.Redis.Addr))
				if err != nil {
					return err
				}
				artifacts, err := filestorage.FromConfig(cfg.Processor.Storage)
				if err != nil {
					return err
				}

				logger := log.New(os.Stderr, "[processor] ", log.Ldate|log.Ltime)
				p, err := processor.New(st, cfg.Processor.Concurrency,
					cfg.Processor.ScratchDir, artifacts, c.String("records-url"), logger)
				if err != nil {
					return err
				}
				if cfg.Processor.MaxAttempts > 0 {
					p.MaxAttempts = cfg.Processor.MaxAttempts
				}
				if cfg.Processor.StatsInterval > 0 {
					p.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Second
				}
				p.StatsdAddr = cfg.StatsdAddr

				closeChan := make(chan struct{})
				go p.Start(closeChan)

				<-sigCh
				p.Log.Println("Shutting down...")
				closeChan <- struct{}{}
				p.Log.Println("Waiting for workers to finish...")
				<-closeChan
				p.Log.Println("Bye!")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "notifier",
			Usage: "Start the callback notifier",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				logger := log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime)
				st, err := storage.New(redisClient("notifier", cfg.Redis.Addr))
				if err != nil {
					return err
				}
				n, err := notifier.New(st, cfg.Notifier.Concurrency, logger, cfg.Notifier.DownloadURL)
				if err != nil {
					return err
				}
				if cfg.Notifier.StatsInterval > 0 {
					n.StatsIntvl = time.Duration(cfg.Notifier.StatsInterval) * time.Second
				}
				n.StatsdAddr = cfg.StatsdAddr

				closeChan := make(chan struct{})
				errChan := make(chan error, 1)
				go func() {
					errChan <- n.Start(closeChan, cfg.Backends)
				}()

				select {
				case err := <-errChan:
					return err
				case <-sigCh:
				}
				logger.Println("Shutting down...")
				closeChan <- struct{}{}
				logger.Println("Waiting for the notifier to finish.")
				<-closeChan
				logger.Println("Bye!")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:      "watch",
			Usage:     "Poll a report job until it reaches a terminal state",
			ArgsUsage: "JOB_ID",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "api-url",
					Usage: "Base `URL` of the reportd API",
					Value: "http://localhost:8000",
				},
				cli.IntFlag{
					Name:  "max-retries",
					Usage: "Consecutive transient failures tolerated",
					Value: poll.DefaultMaxRetries,
				},
				cli.StringFlag{
					Name:  "redis",
					Usage: "Redis `ADDR` for detail-cache invalidation (optional)",
				},
			},
			Action: func(c *cli.Context) error {
				id := c.Args().First()
				if id == "" {
					return errors.New("JOB_ID is required")
				}

				cl, err := client.New(c.String("api-url"), nil)
				if err != nil {
					return err
				}

				logger := log.New(os.Stderr, "[watch] ", log.Ldate|log.Ltime)
				p := poll.New(cl, id)
				p.Log = logger
				p.MaxRetries = c.Int("max-retries")
				p.OnStatus = func(st job.Status) {
					logger.Printf("Job %s: %s (%d%%)", st.ID, st.State, st.Progress)
				}
				p.OnComplete = func(id string, s job.State) {
					logger.Printf("Job %s finished: %s", id, s)
				}

				if addr := c.String("redis"); addr != "" {
					st, err := storage.New(redisClient("watch", addr))
					if err != nil {
						return err
					}
					p.Cache = st
				}

				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				p.Start()

				select {
				case <-p.Done():
				case <-sigCh:
					p.Stop()
					<-p.Done()
					return nil
				}
				if err := p.Err(); err != nil {
					return err
				}
				if s := p.Last().State; s != job.StateReady && s != job.StateDownloaded {
					return fmt.Errorf("Job %s ended in state %s", id, s)
				}
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// parseConfig extracts configuration from the provided config file
func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

func redisClient(name, addr string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, OnConnect: setName})
}
