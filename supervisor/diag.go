package supervisor

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DiagServer is an optional HTTP listener for observing the daemon: child
// registry snapshots and a live WebSocket stream of notification copies.
// It is read-only; control stays on the host pipe.
type DiagServer struct {
	log  *zap.SugaredLogger
	sup  *Supervisor
	addr string

	listener   net.Listener
	httpServer *http.Server
}

func NewDiagServer(log *zap.SugaredLogger, sup *Supervisor, addr string) *DiagServer {
	return &DiagServer{
		log:  log.Named("diag"),
		sup:  sup,
		addr: addr,
	}
}

// Listen binds the listener without serving yet, so callers can learn the
// bound address before traffic starts.
func (d *DiagServer) Listen() error {
	listener, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.listener = listener
	return nil
}

// Addr reports the bound address; nil before Listen.
func (d *DiagServer) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Run serves until Stop is called or the listener fails.
func (d *DiagServer) Run() error {
	if d.listener == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}

	router := httprouter.New()
	router.GET("/healthz", d.healthz)
	router.GET("/v1/children", d.children)
	router.GET("/v1/children/:pid", d.child)
	router.GET("/v1/events", d.events)

	server := &http.Server{Handler: router}
	d.httpServer = server

	err := server.Serve(d.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *DiagServer) Stop() error {
	if d.httpServer == nil {
		if d.listener != nil {
			return d.listener.Close()
		}
		return nil
	}
	return d.httpServer.Close()
}

func (d *DiagServer) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Add("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (d *DiagServer) children(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(d.log, w, d.sup.Children())
}

func (d *DiagServer) child(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pid, err := strconv.Atoi(params.ByName("pid"))
	if err != nil {
		http.Error(w, "pid must be an integer", http.StatusBadRequest)
		return
	}
	for _, info := range d.sup.Children() {
		if info.Pid == pid {
			writeJSON(d.log, w, info)
			return
		}
	}
	http.Error(w, "no such child", http.StatusNotFound)
}

// events streams notification copies over a WebSocket as JSON messages.
func (d *DiagServer) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		d.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	id, ch := d.sup.Events().Subscribe()
	defer d.sup.Events().Unsubscribe(id)
	log := d.log.With("subscriber", id)
	log.Debug("event subscriber connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				wsConn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, wsConn, ev); err != nil {
				log.Debugf("error writing event: %s", err)
				wsConn.Close(websocket.StatusInternalError, err.Error())
				return
			}
		}
	}
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
