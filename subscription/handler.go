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

package subscription

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/feed"
	"github.com/apex/log"
)

// ProtocolHandler processes subscriber requests one at a time
type ProtocolHandler interface {
	/*
		HandleRequest process one subscriber request. Responses, including protocol
		errors, are delivered to the channel.

		 @param ctxt context.Context - the request context
		 @param req Request - the request
		 @param channel Channel - the requesting port's channel
		 @return error only if the request could not be processed at all
	*/
	HandleRequest(ctxt context.Context, req Request, channel Channel) error

	// ReleasePort unsubscribe a closed port from every provider it joined
	ReleasePort(ctxt context.Context, portID string) error

	// Shutdown stop every engine and the request processing loop
	Shutdown(ctxt context.Context) error

	// Sessions the session registry
	Sessions() SessionRegistry
}

// protocolHandlerImpl implements ProtocolHandler
type protocolHandlerImpl struct {
	common.Component
	rootCtxt  context.Context
	tp        common.TaskProcessor
	broadcast BroadcastRegistry
	sessions  SessionRegistry
	// portSources port ID -> providers the port joined
	portSources map[string]map[string]bool
}

/*
GetProtocolHandlerInstance define a new protocol handler, and start its processing loop

	@param ctxt context.Context - root context
	@param wg *sync.WaitGroup - wait group for the processing loop
	@param factory EngineFactory - builds engines for new providers
*/
func GetProtocolHandlerInstance(
	ctxt context.Context, wg *sync.WaitGroup, factory EngineFactory,
) (ProtocolHandler, error) {
	logTags := log.Fields{"module": "subscription", "component": "protocol-handler"}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "protocol-handler", 256)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &protocolHandlerImpl{
		Component:   common.Component{LogTags: logTags},
		rootCtxt:    ctxt,
		tp:          tp,
		portSources: make(map[string]map[string]bool),
	}
	instance.broadcast = GetBroadcastRegistryInstance(instance.onIdleSource)
	instance.sessions = GetSessionRegistryInstance(factory, instance.broadcast)

	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(handleRequestReq{}), instance.processHandleRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(releasePortReq{}), instance.processReleasePort,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(idleSourceReq{}), instance.processIdleSource,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(shutdownReq{}), instance.processShutdown,
	); err != nil {
		return nil, err
	}

	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start processing loop")
		return nil, err
	}
	return instance, nil
}

func (h *protocolHandlerImpl) Sessions() SessionRegistry {
	return h.sessions
}

// requestClaim decides between processing a request and its caller giving up on it.
// Only the first take succeeds.
type requestClaim struct {
	taken int32
}

func (c *requestClaim) take() bool {
	return atomic.CompareAndSwapInt32(&c.taken, 0, 1)
}

/*
submitAndWait submit a request to the processing loop, and wait for its result

	@param ctxt context.Context - bounds the wait
	@param requestName string - request name for logging
	@param claim *requestClaim - if given, a request still queued when ctxt expires is
	    abandoned, and a request already being processed is waited for.
	@param build func(resultCB func(error)) interface{} - builds the request
*/
func (h *protocolHandlerImpl) submitAndWait(
	ctxt context.Context,
	requestName string,
	claim *requestClaim,
	build func(resultCB func(error)) interface{},
) error {
	complete := make(chan error, 1)
	request := build(func(err error) {
		complete <- err
	})
	if err := h.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to submit %s request", requestName)
		return err
	}
	select {
	case err := <-complete:
		return err
	case <-ctxt.Done():
		if claim == nil || claim.take() {
			return ctxt.Err()
		}
		// Already processing, its replies are on the way
		return <-complete
	}
}

// ----------------------------------------------------------------------------------------

type handleRequestReq struct {
	ctxt     context.Context
	request  Request
	channel  Channel
	claim    *requestClaim
	resultCB func(error)
}

func (h *protocolHandlerImpl) HandleRequest(ctxt context.Context, req Request, channel Channel) error {
	if channel == nil {
		return fmt.Errorf("request from port '%s' has no channel", req.PortID)
	}
	claim := &requestClaim{}
	return h.submitAndWait(ctxt, string(req.Type), claim, func(resultCB func(error)) interface{} {
		return handleRequestReq{
			ctxt: ctxt, request: req, channel: channel, claim: claim, resultCB: resultCB,
		}
	})
}

func (h *protocolHandlerImpl) processHandleRequest(param interface{}) error {
	request, ok := param.(handleRequestReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for request", reflect.TypeOf(param))
	}
	if !request.claim.take() {
		log.WithFields(h.LogTags).Debugf(
			"Skipping %s request of port %s, its caller gave up", request.request.Type, request.request.PortID,
		)
		return nil
	}
	h.ProcessRequest(request.ctxt, request.request, request.channel)
	request.resultCB(nil)
	return nil
}

// ProcessRequest dispatch one subscriber request. Must run on the processing loop.
func (h *protocolHandlerImpl) ProcessRequest(ctxt context.Context, req Request, channel Channel) {
	logTags := h.CopyLogTags()
	logTags["provider"] = req.ProviderID
	logTags["port"] = req.PortID
	log.WithFields(logTags).Debugf("Processing %s request", req.Type)

	var resps []feed.Response
	var err error
	switch req.Type {
	case RequestSubscribe:
		resps, err = h.subscribe(ctxt, req, channel)
	case RequestUnsubscribe:
		resps, err = h.unsubscribe(req)
	case RequestGetSnapshot:
		resps, err = h.getSnapshot(req)
	case RequestGetStatus:
		resps, err = h.getStatus(req)
	default:
		err = fmt.Errorf("%w '%s'", feed.ErrUnknownRequest, req.Type)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("%s request failed", req.Type)
		resps = []feed.Response{feed.NewErrorResponse(req.ProviderID, req.RequestID, err)}
	}
	for _, resp := range resps {
		resp.RequestID = req.RequestID
		if err := channel.Send(resp); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to reply %s", resp.Type)
			return
		}
	}
}

func (h *protocolHandlerImpl) withStatistics(resp feed.Response, engine feed.Engine) feed.Response {
	stats := engine.GetStatistics()
	resp.Statistics = &stats
	return resp
}

func (h *protocolHandlerImpl) subscribe(
	ctxt context.Context, req Request, channel Channel,
) ([]feed.Response, error) {
	if req.Config == nil {
		return nil, feed.ErrConfigRequired
	}
	if req.ProviderID == "" || req.PortID == "" {
		return nil, fmt.Errorf("subscribe requires both providerId and portId")
	}
	// Join before the engine starts so no early snapshot row is missed
	h.broadcast.AddSubscriber(req.ProviderID, req.PortID, channel)
	engine, err := h.sessions.GetOrCreate(ctxt, req.ProviderID, req.Config.Config)
	if err != nil {
		h.dropSubscriber(req.ProviderID, req.PortID)
		return nil, err
	}
	sources, ok := h.portSources[req.PortID]
	if !ok {
		sources = make(map[string]bool)
		h.portSources[req.PortID] = sources
	}
	sources[req.ProviderID] = true
	return []feed.Response{
		h.withStatistics(feed.NewResponse(feed.ResponseSubscribed, req.ProviderID), engine),
	}, nil
}

// dropSubscriber remove a port from a provider. The engine stops with the last port.
func (h *protocolHandlerImpl) dropSubscriber(providerID, portID string) {
	if sources, ok := h.portSources[portID]; ok {
		delete(sources, providerID)
		if len(sources) == 0 {
			delete(h.portSources, portID)
		}
	}
	if h.broadcast.RemoveSubscriber(providerID, portID) {
		h.sessions.Stop(providerID)
	}
}

func (h *protocolHandlerImpl) unsubscribe(req Request) ([]feed.Response, error) {
	h.dropSubscriber(req.ProviderID, req.PortID)
	return []feed.Response{feed.NewResponse(feed.ResponseUnsubscribed, req.ProviderID)}, nil
}

func (h *protocolHandlerImpl) getSnapshot(req Request) ([]feed.Response, error) {
	engine, ok := h.sessions.Get(req.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", feed.ErrProviderNotFound, req.ProviderID)
	}
	snapshot := feed.NewResponse(feed.ResponseSnapshot, req.ProviderID)
	snapshot.Data = engine.GetSnapshotForSubscriber(req.PortID)
	return []feed.Response{
		h.withStatistics(snapshot, engine),
		h.withStatistics(feed.NewResponse(feed.ResponseSnapshotComplete, req.ProviderID), engine),
	}, nil
}

func (h *protocolHandlerImpl) getStatus(req Request) ([]feed.Response, error) {
	engine, ok := h.sessions.Get(req.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", feed.ErrProviderNotFound, req.ProviderID)
	}
	return []feed.Response{
		h.withStatistics(feed.NewResponse(feed.ResponseStatus, req.ProviderID), engine),
	}, nil
}

// ----------------------------------------------------------------------------------------

type releasePortReq struct {
	portID   string
	resultCB func(error)
}

func (h *protocolHandlerImpl) ReleasePort(ctxt context.Context, portID string) error {
	return h.submitAndWait(ctxt, "release-port", nil, func(resultCB func(error)) interface{} {
		return releasePortReq{portID: portID, resultCB: resultCB}
	})
}

func (h *protocolHandlerImpl) processReleasePort(param interface{}) error {
	request, ok := param.(releasePortReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for release port", reflect.TypeOf(param))
	}
	providers := make([]string, 0)
	for providerID := range h.portSources[request.portID] {
		providers = append(providers, providerID)
	}
	for _, providerID := range providers {
		h.dropSubscriber(providerID, request.portID)
	}
	log.WithFields(h.LogTags).Debugf("Released port %s from %d providers", request.portID, len(providers))
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type idleSourceReq struct {
	providerID string
}

// onIdleSource called by the broadcast registry, possibly with an engine lock held
func (h *protocolHandlerImpl) onIdleSource(providerID string) {
	go func() {
		if err := h.tp.Submit(h.rootCtxt, idleSourceReq{providerID: providerID}); err != nil {
			log.WithError(err).WithFields(h.LogTags).Warnf("Unable to submit idle %s", providerID)
		}
	}()
}

func (h *protocolHandlerImpl) processIdleSource(param interface{}) error {
	request, ok := param.(idleSourceReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for idle source", reflect.TypeOf(param))
	}
	for portID, sources := range h.portSources {
		if sources[request.providerID] && !h.broadcast.HasSubscriber(request.providerID, portID) {
			delete(sources, request.providerID)
			if len(sources) == 0 {
				delete(h.portSources, portID)
			}
		}
	}
	if h.broadcast.CountSubscribers(request.providerID) == 0 {
		log.WithFields(h.LogTags).Infof("No live subscriber left for %s", request.providerID)
		h.sessions.Stop(request.providerID)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type shutdownReq struct {
	resultCB func(error)
}

func (h *protocolHandlerImpl) Shutdown(ctxt context.Context) error {
	err := h.submitAndWait(ctxt, "shutdown", nil, func(resultCB func(error)) interface{} {
		return shutdownReq{resultCB: resultCB}
	})
	if stopErr := h.tp.StopEventLoop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func (h *protocolHandlerImpl) processShutdown(param interface{}) error {
	request, ok := param.(shutdownReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for shutdown", reflect.TypeOf(param))
	}
	h.sessions.StopAll()
	h.portSources = make(map[string]map[string]bool)
	log.WithFields(h.LogTags).Info("Stopped all engines")
	request.resultCB(nil)
	return nil
}
