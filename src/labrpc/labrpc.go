// Package labrpc is the RPC transport this repo's kvraft and raft layers
// are coded against. The wire format and transport are out of scope for
// the spec this repo implements (they are "external collaborator,
// interface only" concerns) -- this package exists only so KVServer.Get,
// Clerk.Get, and the raft.Raft RPC handlers have something concrete to
// call through. It is an in-process network: every "RPC" is a direct Go
// call dispatched through a registry, with an optional simulated delay
// and drop rate for exercising the clerk's retry/failover paths in tests.
package labrpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"
)

// ClientEnd is a client's handle to one replica. The zero value is not
// usable; construct via Network.MakeEnd.
type ClientEnd struct {
	endName string
	ch      chan callReq
	done    chan struct{}
}

type callReq struct {
	endName  string
	svcMeth  string
	argsData []byte
	replyCh  chan callReply
}

type callReply struct {
	ok   bool
	data []byte
}

// Call sends an RPC, waits for the reply, and fills in *reply. It returns
// false if the call could not complete (the peer is unreachable, the
// simulated network dropped it, or the handler panicked) -- the caller
// must not assume *reply was touched in that case.
func (e *ClientEnd) Call(svcMeth string, args interface{}, reply interface{}) bool {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(args); err != nil {
		return false
	}
	req := callReq{
		endName:  e.endName,
		svcMeth:  svcMeth,
		argsData: buf.Bytes(),
		replyCh:  make(chan callReply, 1),
	}
	select {
	case e.ch <- req:
	case <-e.done:
		return false
	}
	select {
	case rep := <-req.replyCh:
		if !rep.ok {
			return false
		}
		return gob.NewDecoder(bytes.NewReader(rep.data)).Decode(reply) == nil
	case <-e.done:
		return false
	}
}

// Service binds a method set (matching net/rpc's exported,
// two-argument-pointer convention) under a name, e.g. "KVServer" or
// "Raft", so svcMeth strings like "KVServer.Get" can be dispatched.
type Service struct {
	name    string
	rcvr    reflect.Value
	methods map[string]reflect.Method
}

func MakeService(rcvr interface{}) *Service {
	svc := &Service{
		rcvr:    reflect.ValueOf(rcvr),
		name:    reflect.Indirect(reflect.ValueOf(rcvr)).Type().Name(),
		methods: map[string]reflect.Method{},
	}
	t := reflect.TypeOf(rcvr)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.Type.NumIn() == 3 && m.Type.NumOut() == 0 {
			svc.methods[m.Name] = m
		}
	}
	return svc
}

// Server hosts one or more Services and is reachable by name through a
// Network.
type Server struct {
	mu       sync.Mutex
	services map[string]*Service
}

func MakeServer() *Server {
	return &Server{services: map[string]*Service{}}
}

func (s *Server) AddService(svc *Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.name] = svc
}

func (s *Server) dispatch(svcMeth string, argsData []byte) (bool, []byte) {
	dot := -1
	for i := len(svcMeth) - 1; i >= 0; i-- {
		if svcMeth[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return false, nil
	}
	svcName, methName := svcMeth[:dot], svcMeth[dot+1:]

	s.mu.Lock()
	svc, ok := s.services[svcName]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	m, ok := svc.methods[methName]
	if !ok {
		return false, nil
	}

	argType := m.Type.In(1).Elem()
	argv := reflect.New(argType)
	if err := gob.NewDecoder(bytes.NewReader(argsData)).Decode(argv.Interface()); err != nil {
		return false, nil
	}

	replyType := m.Type.In(2).Elem()
	replyv := reflect.New(replyType)

	panicked := false
	func() {
		defer func() {
			if recover() != nil {
				panicked = true
			}
		}()
		m.Func.Call([]reflect.Value{svc.rcvr, argv, replyv})
	}()
	if panicked {
		return false, nil
	}

	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(replyv.Interface()); err != nil {
		return false, nil
	}
	return true, buf.Bytes()
}

// Network glues ClientEnds to Servers by name, and can simulate an
// unreliable link (dropped calls, random delay) for exercising the
// clerk's retry protocol.
type Network struct {
	mu        sync.Mutex
	reliable  bool
	longDelay bool
	ends      map[string]*endInfo
	servers   map[string]*Server
	done      chan struct{}
}

type endInfo struct {
	end    *ClientEnd
	server string // name of the server this end currently connects to
}

func MakeNetwork() *Network {
	n := &Network{
		reliable: true,
		ends:     map[string]*endInfo{},
		servers:  map[string]*Server{},
		done:     make(chan struct{}),
	}
	return n
}

func (n *Network) SetReliable(ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reliable = ok
}

func (n *Network) LongDelays(ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.longDelay = ok
}

func (n *Network) AddServer(name string, s *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[name] = s
}

func (n *Network) MakeEnd(name string) *ClientEnd {
	e := &ClientEnd{endName: name, ch: make(chan callReq), done: n.done}
	n.mu.Lock()
	n.ends[name] = &endInfo{end: e}
	n.mu.Unlock()
	go n.serve(e)
	return e
}

func (n *Network) Connect(endName, serverName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if info, ok := n.ends[endName]; ok {
		info.server = serverName
	}
}

func (n *Network) Cleanup() {
	close(n.done)
}

func (n *Network) serve(e *ClientEnd) {
	for {
		select {
		case req := <-e.ch:
			n.mu.Lock()
			reliable := n.reliable
			longDelay := n.longDelay
			info := n.ends[req.endName]
			var srv *Server
			if info != nil {
				srv = n.servers[info.server]
			}
			n.mu.Unlock()

			go func(req callReq, srv *Server, reliable, longDelay bool) {
				if srv == nil {
					req.replyCh <- callReply{ok: false}
					return
				}
				if !reliable && rand.Intn(1000) < 100 {
					// simulated drop: never reply, mirrors a lost packet.
					return
				}
				if !reliable {
					time.Sleep(time.Duration(rand.Intn(27)) * time.Millisecond)
				}
				if longDelay && rand.Intn(1000) < 50 {
					time.Sleep(time.Duration(200+rand.Intn(2000)) * time.Millisecond)
				}
				ok, data := srv.dispatch(req.svcMeth, req.argsData)
				req.replyCh <- callReply{ok: ok, data: data}
			}(req, srv, reliable, longDelay)
		case <-n.done:
			return
		}
	}
}

func (n *Network) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("labrpc.Network{ends:%d servers:%d}", len(n.ends), len(n.servers))
}
