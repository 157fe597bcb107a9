// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/codepr/reviewd/config"
	"github.com/codepr/reviewd/controller"
	"github.com/codepr/reviewd/model"
	"github.com/codepr/reviewd/server"
	"github.com/codepr/reviewd/socket"
	"github.com/codepr/reviewd/store"
)

var (
	configPath string
	addr       string
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration")
	flag.StringVar(&addr, "addr", "", "Listening address, overrides the configuration")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	kv, err := store.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer kv.Close()

	lock := store.NewLock(kv, store.DefaultLockName, logger)
	connections := model.NewConnections(kv,
		model.WithHeartbeatTTL(cfg.HeartbeatTTL.Std()))
	conversations := model.NewConversations(kv, lock, logger,
		model.WithAssignTTL(cfg.AssignTTL.Std()),
		model.WithActivityBonus(cfg.ActivityBonus.Std()))
	hub := socket.NewHub(kv, logger, socket.WithAllowedOrigins(cfg.AllowedOrigins))
	callback := controller.NewCallbackClient(cfg.ScoringKey, logger,
		controller.WithCallbackTimeout(cfg.CallbackTimeout.Std()),
		controller.WithCallbackAttempts(cfg.CallbackAttempts))

	connCtrl := controller.NewConnectionController(connections, conversations, hub, logger)
	convCtrl := controller.NewConversationController(conversations, connections, hub, callback, logger)

	srv := server.New(&cfg, kv, lock, hub, connCtrl, convCtrl, logger)
	if err := srv.Run(); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
