package agent

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/apex/log"
	jsoniter "github.com/json-iterator/go"

	"fdhook/hooks"
)

// Router handles the messages a script posts. Probe events go to the
// dispatcher, download payloads to disk and the rest to the log.
type Router struct {
	Agent       *Agent
	Dispatcher  *hooks.Dispatcher
	DownloadDir string
	Log         log.Interface
	// OnError runs when the script reports an uncaught error.
	OnError func(msg string)

	files sync.Map
}

func NewRouter(a *Agent, d *hooks.Dispatcher) *Router {
	return &Router{Agent: a, Dispatcher: d, DownloadDir: "./download", Log: log.Log}
}

func (r *Router) Handle(msg jsoniter.Any, data []byte) {
	switch msg.Get("type").ToString() {
	case "log":
		r.Log.WithField("level", msg.Get("level").ToString()).Info(msg.Get("payload").ToString())
	case "error":
		r.Log.WithFields(log.Fields{
			"file": msg.Get("fileName").ToString(),
			"line": msg.Get("lineNumber").ToInt(),
		}).Error(msg.Get("stack").ToString())
		if r.OnError != nil {
			r.OnError(msg.Get("description").ToString())
		}
	case "send":
		r.payload(msg.Get("payload"), data)
	default:
		r.Log.Info(msg.ToString())
	}
}

func (r *Router) payload(p jsoniter.Any, data []byte) {
	switch p.Get("kind").ToString() {
	case "enter":
		if r.Dispatcher != nil {
			r.Dispatcher.Enter(decodeEvent(r.Log, p))
		}
	case "leave":
		if r.Dispatcher != nil {
			r.Dispatcher.Leave(decodeEvent(r.Log, p))
		}
	case "loaded":
		name := p.Get("name").ToString()
		held := p.Get("held").ToBool()
		r.Log.WithFields(log.Fields{"module": name, "held": held}).Info("module loaded")
		if r.Agent != nil {
			r.Agent.ModuleLoaded(name, held)
		}
	case "download":
		if err := r.download(p.Get("path").ToString(), p.Get("append").ToBool(), data); err != nil {
			r.Log.WithError(err).Error("download")
		}
	default:
		r.Log.Info(p.ToString())
	}
}

func (r *Router) download(path string, appendTo bool, data []byte) error {
	if path == "" {
		return os.ErrInvalid
	}
	v, _ := r.files.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	dst := filepath.Join(r.DownloadDir, filepath.Clean("/"+path))
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(dst, flag, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func decodeEvent(l log.Interface, p jsoniter.Any) *hooks.Event {
	ev := &hooks.Event{
		Call:      p.Get("call").ToUint64(),
		Probe:     p.Get("probe").ToInt(),
		Thread:    p.Get("thread").ToInt(),
		Depth:     p.Get("depth").ToInt(),
		Ret:       readPointer(l, p.Get("ret")),
		Backtrace: decodeFrames(l, p.Get("backtrace")),
	}
	if args := p.Get("args"); args.ValueType() == jsoniter.ArrayValue {
		for i := 0; i < args.Size(); i++ {
			ev.Args = append(ev.Args, readPointer(l, args.Get(i)))
		}
	}
	if s := p.Get("strings"); s.ValueType() == jsoniter.ObjectValue {
		for _, k := range s.Keys() {
			i, err := strconv.Atoi(k)
			if err != nil || s.Get(k).ValueType() != jsoniter.StringValue {
				continue
			}
			if ev.Strings == nil {
				ev.Strings = map[int]string{}
			}
			ev.Strings[i] = s.Get(k).ToString()
		}
	}
	if rs := p.Get("retString"); rs.ValueType() == jsoniter.StringValue {
		v := rs.ToString()
		ev.RetString = &v
	}
	if dumps := p.Get("dumps"); dumps.ValueType() == jsoniter.ArrayValue {
		for i := 0; i < dumps.Size(); i++ {
			d := dumps.Get(i)
			ev.Dumps = append(ev.Dumps, hooks.DumpData{
				Arg:     d.Get("arg").ToInt(),
				Ret:     d.Get("ret").ToBool(),
				Address: readPointer(l, d.Get("address")),
				Data:    readHex(l, d.Get("data")),
			})
		}
	}
	return ev
}
