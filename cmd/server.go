// Copyright 2022 The blotterfeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/blotterfeed/apis"
	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/core"
	"github.com/alwitt/blotterfeed/storage"
	"github.com/alwitt/blotterfeed/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
RunFeedServer run the feed server until the runtime context is cancelled

	@param runtimeContext context.Context - the runtime context
	@param config common.SystemConfig - the system config
	@param instance string - instance name
	@param wg *sync.WaitGroup - wait group for server goroutines
*/
func RunFeedServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "feed-server",
		"instance":  instance,
	}
	serverCfg := config.FeedServer

	// -------------------------------------------------------------------
	// Provider config store

	store, err := storage.GetProviderStore(runtimeContext, config.ProviderStore)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s provider store", config.ProviderStore.Type,
		)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close provider store")
		}
	}()

	// -------------------------------------------------------------------
	// Subscriber request processing

	// Engines outlive the runtime context, so they can be stopped in order after the
	// HTTP server stops.
	engineContext, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	protocol, err := subscription.GetProtocolHandlerInstance(
		engineContext,
		wg,
		subscription.DefaultEngineFactory(engineContext, wg, serverCfg.Engine, core.DialBroker),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber protocol handler")
		return err
	}

	httpHandler, err := apis.GetAPIRestFeedHandler(
		runtimeContext,
		protocol,
		store,
		&serverCfg.HTTPSetting,
		serverCfg.Websocket,
		time.Second*time.Duration(serverCfg.Engine.RequestTimeout),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	apis.RegisterFeedRoutes(router, serverCfg.Endpoints.PathPrefix, httpHandler)

	// Add logging
	accessLog := apis.AccessLogWriter{
		Component: common.Component{
			LogTags: log.Fields{"module": "cmd", "component": "access-log", "instance": instance},
		},
	}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", serverCfg.HTTPSetting.Server.ListenOn, serverCfg.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Stop all engines
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := protocol.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during engine shutdown")
		}
	}

	return nil
}
