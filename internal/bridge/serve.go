package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"popnet/internal/envelope"
	perrors "popnet/internal/errors"
	"popnet/internal/session"
)

// maxRequestLine bounds one JSON request.
const maxRequestLine = envelope.MaxBodySize * 2

// Request is one JSON-lines call from the front-end.
type Request struct {
	ID   int64           `json:"id"`
	Op   Op              `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// bind decodes args into A before calling fn.
func bind[A any](fn func(ctx context.Context, a A) (any, error)) handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&a); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		return fn(ctx, a)
	}
}

type (
	idArgs struct {
		ID string `json:"id"`
	}
	createArgs struct {
		ID       string `json:"id"`
		Location string `json:"location"`
	}
	connectArgs struct {
		ID   string `json:"id"`
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	textArgs struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	contentArgs struct {
		ID          string          `json:"id"`
		ContentType string          `json:"content_type"`
		Content     json.RawMessage `json:"content"`
	}
	fileModeArgs struct {
		ID   string `json:"id"`
		Type string `json:"file_mode_type"`
		Path string `json:"path"`
		Pos  int64  `json:"pos"`
	}
	sizeArgs struct {
		ID   string `json:"id"`
		Size int64  `json:"size"`
	}
	bytesArgs struct {
		ID    string `json:"id"`
		Bytes int64  `json:"bytes"`
	}
	hexArgs struct {
		ID  string `json:"id"`
		Hex string `json:"hex"`
	}
	portArgs struct {
		Port int `json:"port"`
	}
	udpArgs struct {
		Message map[string]any `json:"message"`
		Hex     string         `json:"hex"`
		Host    string         `json:"host"`
		Port    int            `json:"port"`
	}
	paramsArgs struct {
		EventID int64 `json:"eventId"`
	}
)

const statusOK = "OK"

func (b *Bridge) handlers() map[Op]handler {
	return map[Op]handler{
		OpCreate: bind(func(_ context.Context, a createArgs) (any, error) {
			return b.Create(a.ID, a.Location), nil
		}),
		OpGetAllIDs: bind(func(context.Context, struct{}) (any, error) {
			return b.AllIDs(), nil
		}),
		OpConnectToServer: bind(func(_ context.Context, a connectArgs) (any, error) {
			return true, b.Connect(a.ID, a.Host, a.Port)
		}),
		OpStop: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.Stop(a.ID)
		}),
		OpRemove: bind(func(_ context.Context, a idArgs) (any, error) {
			return b.Remove(a.ID)
		}),
		OpWritePlain: bind(func(_ context.Context, a textArgs) (any, error) {
			return b.WritePlain(a.ID, a.Text)
		}),
		OpFlush: bind(func(_ context.Context, a idArgs) (any, error) {
			return b.Flush(a.ID)
		}),
		OpSetContent: bind(func(_ context.Context, a contentArgs) (any, error) {
			c := Content{Type: a.ContentType}
			var err error
			switch a.ContentType {
			case ContentMessage:
				c.Message, err = decodeMessage(a.Content)
			case ContentFile:
				err = json.Unmarshal(a.Content, &c.Path)
			}
			if err != nil {
				return nil, fmt.Errorf("setContent: %w", err)
			}
			return b.SetContent(a.ID, c)
		}),
		OpSetFileMode: bind(func(_ context.Context, a fileModeArgs) (any, error) {
			dir, err := session.ParseDirection(a.Type)
			if err != nil {
				return nil, err
			}
			res, err := b.SetFileMode(a.ID, dir, a.Path, a.Pos)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": statusOK, "size": res.Size, "pos": res.Pos}, nil
		}),
		OpUnsetFileMode: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.UnsetFileMode(a.ID)
		}),
		OpSetBinary: bind(func(_ context.Context, a sizeArgs) (any, error) {
			return statusOK, b.SetBinary(a.ID, a.Size)
		}),
		OpUnsetBinary: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.UnsetBinary(a.ID)
		}),
		OpWriteBinary: bind(func(_ context.Context, a bytesArgs) (any, error) {
			return b.WriteBinary(a.ID, a.Bytes)
		}),
		OpGetMessage: bind(func(_ context.Context, a idArgs) (any, error) {
			return b.Message(a.ID)
		}),
		OpGetMessageHex: bind(func(_ context.Context, a idArgs) (any, error) {
			return b.MessageHex(a.ID)
		}),
		OpSetMessageHex: bind(func(_ context.Context, a hexArgs) (any, error) {
			return b.SetMessageHex(a.ID, a.Hex)
		}),
		OpGetPeerAddress: bind(func(_ context.Context, a idArgs) (any, error) {
			return b.PeerAddress(a.ID)
		}),
		OpGetInfo: bind(func(_ context.Context, a idArgs) (any, error) {
			return b.Info(a.ID)
		}),
		OpGetState: bind(func(_ context.Context, a idArgs) (any, error) {
			st, err := b.State(a.ID)
			return int(st), err
		}),
		OpStartClientEncryption: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.StartClientEncryption(a.ID)
		}),
		OpStartServerEncryption: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.StartServerEncryption(a.ID)
		}),
		OpIgnoreSSLErrors: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.IgnoreTLSErrors(a.ID)
		}),
		OpPause: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.Pause(a.ID)
		}),
		OpResume: bind(func(_ context.Context, a idArgs) (any, error) {
			return statusOK, b.Resume(a.ID)
		}),
		OpStartTCPServer: bind(func(_ context.Context, a portArgs) (any, error) {
			return b.StartTCPServer(a.Port)
		}),
		OpStartUDPServer: bind(func(_ context.Context, a portArgs) (any, error) {
			return b.StartUDPServer(a.Port)
		}),
		OpSendUDPMessage: bind(func(ctx context.Context, a udpArgs) (any, error) {
			return b.SendUDPMessage(ctx, convertNumbers(a.Message).(map[string]any), a.Host, a.Port)
		}),
		OpSendUDPHex: bind(func(ctx context.Context, a udpArgs) (any, error) {
			raw, err := hex.DecodeString(a.Hex)
			if err != nil {
				return nil, fmt.Errorf("sendUdpHex: %w", err)
			}
			return b.SendUDPRaw(ctx, raw, a.Host, a.Port)
		}),
		OpGetUDPMessage: bind(func(context.Context, struct{}) (any, error) {
			return b.UDPMessage(), nil
		}),
		OpGetParams: bind(func(_ context.Context, a paramsArgs) (any, error) {
			if p, found := b.Params(a.EventID); found {
				return p, nil
			}
			return nil, nil
		}),
		OpStats: bind(func(context.Context, struct{}) (any, error) {
			return b.Stats(), nil
		}),
	}
}

// Serve answers JSON-lines requests read from r and writes responses
// and notifications to w, one JSON object per line.  It returns when r
// is exhausted or ctx ends.
func (b *Bridge) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var wmu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(v any) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := enc.Encode(v); err != nil {
			b.log.Warn("front-end write: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case n := <-b.out:
				write(n)
			case <-ctx.Done():
				// Flush what is already queued.
				for {
					select {
					case n := <-b.out:
						write(n)
					default:
						return
					}
				}
			}
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	ops := b.handlers()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(Response{Error: "malformed request: " + err.Error()})
			continue
		}
		write(b.call(ctx, ops, req))
	}
	return sc.Err()
}

func (b *Bridge) call(ctx context.Context, ops map[Op]handler, req Request) Response {
	h, found := ops[req.Op]
	if !found {
		return Response{ID: req.ID, Error: "unknown action " + string(req.Op)}
	}
	res, err := h(ctx, req.Args)
	switch {
	case err == nil:
		return Response{ID: req.ID, Result: res}
	case perrors.ReasonOf(err) != "":
		return Response{ID: req.ID, Result: map[string]any{"status": "Error", "info": string(perrors.ReasonOf(err))}}
	case errors.Is(err, perrors.ErrNoSuchSession):
		return Response{ID: req.ID, Result: NoSuchClient}
	}
	b.log.Verbose("%s: %v", req.Op, err)
	return Response{ID: req.ID, Error: err.Error()}
}

// decodeMessage parses a JSON object into envelope-ready values:
// integral numbers become int64, others float64.
func decodeMessage(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return map[string]any{}, nil
	}
	return convertNumbers(m).(map[string]any), nil
}

func convertNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		if t == nil {
			return map[string]any{}
		}
		for k, e := range t {
			t[k] = convertNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = convertNumbers(e)
		}
		return t
	}
	return v
}
