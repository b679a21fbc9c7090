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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/feed"
	"github.com/alwitt/blotterfeed/storage"
	"github.com/alwitt/blotterfeed/subscription"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestFeedHandler REST and websocket handler for the feed
type APIRestFeedHandler struct {
	goutils.RestAPIHandler
	protocol       subscription.ProtocolHandler
	store          storage.ProviderStore
	wsConfig       common.SubscriberWebsocketConfig
	upgrader       websocket.Upgrader
	requestTimeout time.Duration
	baseContext    context.Context
	wg             *sync.WaitGroup
}

/*
GetAPIRestFeedHandler define APIRestFeedHandler

	@param baseContext context.Context - the server runtime context
	@param protocol subscription.ProtocolHandler - subscriber request processing
	@param store storage.ProviderStore - provider configs for subscribe requests without one
	@param httpConfig *common.HTTPConfig - HTTP server config
	@param wsConfig common.SubscriberWebsocketConfig - subscriber websocket config
	@param requestTimeout time.Duration - max duration of one subscriber request
	@param wg *sync.WaitGroup - wait group for port goroutines
*/
func GetAPIRestFeedHandler(
	baseContext context.Context,
	protocol subscription.ProtocolHandler,
	store storage.ProviderStore,
	httpConfig *common.HTTPConfig,
	wsConfig common.SubscriberWebsocketConfig,
	requestTimeout time.Duration,
	wg *sync.WaitGroup,
) (APIRestFeedHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "feed",
	}
	return APIRestFeedHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		protocol:       protocol,
		store:          store,
		wsConfig:       wsConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsConfig.ReadBufferSize,
			WriteBufferSize: wsConfig.WriteBufferSize,
			// Views are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		requestTimeout: requestTimeout,
		baseContext:    baseContext,
		wg:             wg,
	}, nil
}

// =======================================================================
// Provider status

// APIRestProviderStatus status of one provider
type APIRestProviderStatus struct {
	// ProviderID is the provider ID
	ProviderID string `json:"providerId"`
	// Name is the provider display name, if the provider is configured
	Name string `json:"name,omitempty"`
	// Active whether the provider has a running engine
	Active bool `json:"active"`
	// KeyColumn is the row identity column of an active provider
	KeyColumn string `json:"keyColumn,omitempty"`
	// Statistics are the engine statistics of an active provider
	Statistics *feed.Statistics `json:"statistics,omitempty"`
}

func (h APIRestFeedHandler) activeStatus(providerID string) (APIRestProviderStatus, bool) {
	engine, ok := h.protocol.Sessions().Get(providerID)
	if !ok {
		return APIRestProviderStatus{ProviderID: providerID}, false
	}
	stats := engine.GetStatistics()
	return APIRestProviderStatus{
		ProviderID: providerID,
		Active:     true,
		KeyColumn:  engine.GetKeyColumn(),
		Statistics: &stats,
	}, true
}

// -----------------------------------------------------------------------

// APIRestRespAllProviders response listing all providers
type APIRestRespAllProviders struct {
	goutils.RestAPIBaseResponse
	// Providers configured providers, followed by active providers not in the store
	Providers []APIRestProviderStatus `json:"providers"`
}

// ListProviders godoc
// @Summary List providers
// @Description List configured providers, and the statistics of active ones
// @tags Feed
// @Produce json
// @Param Blotterfeed-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllProviders "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/feed/provider [get]
func (h APIRestFeedHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	configured, err := h.store.ListProviders(r.Context())
	if err != nil {
		msg := "Unable to list provider configs"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	providers := make([]APIRestProviderStatus, 0, len(configured))
	listed := map[string]bool{}
	for _, record := range configured {
		status, _ := h.activeStatus(record.ProviderID)
		status.Name = record.Name
		providers = append(providers, status)
		listed[record.ProviderID] = true
	}
	for _, providerID := range h.protocol.Sessions().ActiveProviders() {
		if listed[providerID] {
			continue
		}
		if status, ok := h.activeStatus(providerID); ok {
			providers = append(providers, status)
		}
	}

	respCode = http.StatusOK
	respBody = APIRestRespAllProviders{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Providers: providers,
	}
}

// ListProvidersHandler Wrapper around ListProviders
func (h APIRestFeedHandler) ListProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListProviders(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneProvider response for one provider
type APIRestRespOneProvider struct {
	goutils.RestAPIBaseResponse
	// Provider the provider status
	Provider APIRestProviderStatus `json:"provider"`
}

// readActiveProvider fetch the active provider named in the path. Sets the error
// response if there is none.
func (h APIRestFeedHandler) readActiveProvider(
	r *http.Request, localLogTags log.Fields, respCode *int, respBody *interface{},
) (feed.Engine, bool) {
	providerID, ok := mux.Vars(r)["providerID"]
	if !ok || providerID == "" {
		msg := "No provider ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		*respCode = http.StatusBadRequest
		*respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return nil, false
	}
	engine, ok := h.protocol.Sessions().Get(providerID)
	if !ok {
		msg := fmt.Sprintf("Provider %s is not active", providerID)
		log.WithFields(localLogTags).Errorf(msg)
		*respCode = http.StatusNotFound
		*respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusNotFound, msg, feed.ErrProviderNotFound.Error(),
		)
		return nil, false
	}
	return engine, true
}

// GetProvider godoc
// @Summary Query one active provider
// @Description Query the engine statistics of one active provider
// @tags Feed
// @Produce json
// @Param Blotterfeed-Request-ID header string false "User provided request ID to match against logs"
// @Param providerID path string true "Provider ID"
// @Success 200 {object} APIRestRespOneProvider "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/feed/provider/{providerID} [get]
func (h APIRestFeedHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	engine, ok := h.readActiveProvider(r, localLogTags, &respCode, &respBody)
	if !ok {
		return
	}
	status, _ := h.activeStatus(engine.ProviderID())
	if record, err := h.store.GetProvider(r.Context(), engine.ProviderID()); err == nil {
		status.Name = record.Name
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneProvider{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Provider: status,
	}
}

// GetProviderHandler Wrapper around GetProvider
func (h APIRestFeedHandler) GetProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetProvider(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespProviderSnapshot response with the cached rows of a provider
type APIRestRespProviderSnapshot struct {
	goutils.RestAPIBaseResponse
	// ProviderID is the provider ID
	ProviderID string `json:"providerId"`
	// KeyColumn is the row identity column
	KeyColumn string `json:"keyColumn"`
	// Rows are the cached rows
	Rows []feed.Row `json:"rows"`
}

// GetProviderSnapshot godoc
// @Summary Read the cache of one active provider
// @Description Read all cached rows of one active provider
// @tags Feed
// @Produce json
// @Param Blotterfeed-Request-ID header string false "User provided request ID to match against logs"
// @Param providerID path string true "Provider ID"
// @Success 200 {object} APIRestRespProviderSnapshot "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/feed/provider/{providerID}/snapshot [get]
func (h APIRestFeedHandler) GetProviderSnapshot(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	engine, ok := h.readActiveProvider(r, localLogTags, &respCode, &respBody)
	if !ok {
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespProviderSnapshot{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		ProviderID: engine.ProviderID(),
		KeyColumn:  engine.GetKeyColumn(),
		Rows:       engine.GetSnapshotCache(),
	}
}

// GetProviderSnapshotHandler Wrapper around GetProviderSnapshot
func (h APIRestFeedHandler) GetProviderSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetProviderSnapshot(w, r)
	}
}

// =======================================================================
// Subscriber websocket

// resolveRequest prepare a subscriber request for processing
func (h APIRestFeedHandler) resolveRequest(
	ctxt context.Context, portID string, req *subscription.Request,
) error {
	// A connection is exactly one port
	req.PortID = portID
	if req.Type != subscription.RequestSubscribe || req.Config != nil {
		return nil
	}
	record, err := h.store.GetProvider(ctxt, req.ProviderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", feed.ErrConfigRequired, err.Error())
		}
		return err
	}
	req.Config = &record
	return nil
}

// processPortMessage process one inbound websocket message
func (h APIRestFeedHandler) processPortMessage(port *subscriberPort, raw []byte) {
	var req subscription.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		log.WithError(err).WithFields(port.LogTags).Error("Unparsable subscriber request")
		_ = port.Send(feed.NewErrorResponse("", "", fmt.Errorf("invalid request: %w", err)))
		return
	}
	ctxt, cancel := context.WithTimeout(h.baseContext, h.requestTimeout)
	defer cancel()
	if err := h.resolveRequest(ctxt, port.portID, &req); err != nil {
		log.WithError(err).WithFields(port.LogTags).Errorf("Unable to resolve %s request", req.Type)
		_ = port.Send(feed.NewErrorResponse(req.ProviderID, req.RequestID, err))
		return
	}
	if err := h.protocol.HandleRequest(ctxt, req, port); err != nil {
		log.WithError(err).WithFields(port.LogTags).Errorf("Unable to process %s request", req.Type)
		_ = port.Send(feed.NewErrorResponse(req.ProviderID, req.RequestID, err))
	}
}

// SubscriberWebsocket godoc
// @Summary Subscriber port
// @Description Websocket connection of one subscriber port. Inbound text messages are
// @Description subscriber requests, outbound messages are feed responses.
// @tags Feed
// @Param portId query string false "Port ID. Generated if not given."
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/feed/ws [get]
func (h APIRestFeedHandler) SubscriberWebsocket(w http.ResponseWriter, r *http.Request) {
	portID := r.URL.Query().Get("portId")
	if portID == "" {
		portID = uuid.New().String()
	}
	localLogTags := log.Fields{"port": portID}
	for k, v := range h.GetLogTagsForContext(r.Context()) {
		localLogTags[k] = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	port := newSubscriberPort(portID, conn, h.wsConfig, localLogTags)
	log.WithFields(localLogTags).Info("Subscriber port opened")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		port.writeLoop()
	}()

	// Stop the port on server stop
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-h.baseContext.Done():
			port.close()
		case <-stopWatch:
		}
	}()

	_ = conn.SetReadDeadline(port.readDeadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(port.readDeadline())
	})
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).WithFields(localLogTags).Error("Subscriber port read failure")
			}
			break
		}
		_ = conn.SetReadDeadline(port.readDeadline())
		if msgType != websocket.TextMessage {
			continue
		}
		h.processPortMessage(port, raw)
	}

	port.close()
	releaseCtxt, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()
	if err := h.protocol.ReleasePort(releaseCtxt, portID); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to release port")
	}
	log.WithFields(localLogTags).Info("Subscriber port closed")
}

// SubscriberWebsocketHandler Wrapper around SubscriberWebsocket
func (h APIRestFeedHandler) SubscriberWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubscriberWebsocket(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For feed API liveness check
// @Description Will return success to indicate feed API module is live
// @tags Feed
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/feed/alive [get]
func (h APIRestFeedHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestFeedHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For feed API readiness check
// @Description Will return success if the provider store is reachable
// @tags Feed
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/feed/ready [get]
func (h APIRestFeedHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.store.ListProviders(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestFeedHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

/*
RegisterFeedRoutes install the feed routes under the path prefix

	@param router *mux.Router - the root router
	@param pathPrefix string - end-point path prefix
	@param httpHandler APIRestFeedHandler - the feed handler
*/
func RegisterFeedRoutes(router *mux.Router, pathPrefix string, httpHandler APIRestFeedHandler) {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/v1/feed/ws", MethodHandlers{
		"get": httpHandler.SubscriberWebsocketHandler(),
	})

	providerRouter := RegisterPathPrefix(mainRouter, "/v1/feed/provider", MethodHandlers{
		"get": httpHandler.ListProvidersHandler(),
	})
	perProviderRouter := RegisterPathPrefix(providerRouter, "/{providerID}", MethodHandlers{
		"get": httpHandler.GetProviderHandler(),
	})
	_ = RegisterPathPrefix(perProviderRouter, "/snapshot", MethodHandlers{
		"get": httpHandler.GetProviderSnapshotHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/feed/alive", MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/feed/ready", MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})
}
