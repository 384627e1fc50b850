// Copyright 2024 Voicebridge, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/gateway/pkg/config"
	"github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/service"
	"github.com/voicebridge/gateway/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "gateway",
		Usage:       "Voicebridge conference signaling gateway",
		Version:     version.Version,
		Description: "Bridges telephony and transcription legs into conference rooms",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "gateway yaml config file",
				Sources: cli.EnvVars("GATEWAY_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "gateway yaml config body",
				Sources: cli.EnvVars("GATEWAY_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	svc, err := service.NewService(conf, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case sig := <-stopChan:
			log.Infow("exit requested, finishing active calls then shutting down", "signal", sig)
			svc.Stop(false)
		case sig := <-killChan:
			log.Infow("exit requested, dropping active calls and shutting down", "signal", sig)
			svc.Stop(true)
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	return svc.Run(ctx)
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		if err := conf.Init(); err != nil {
			return nil, err
		}
	}
	return conf, nil
}
