package air

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/donovanhide/eventsource"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
)

// Activity is one entry of the hub's event feed.
type Activity struct {
	id   string
	kind string
	data string
}

func (a Activity) Id() string    { return a.id }
func (a Activity) Event() string { return a.kind }
func (a Activity) Data() string  { return a.data }

var _ eventsource.Event = Activity{}

type activityLog struct {
	mu  sync.Mutex
	seq uint64
}

func (l *activityLog) next(kind, data string) Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return Activity{id: strconv.FormatUint(l.seq, 10), kind: kind, data: data}
}

// EventsURL turns a hub radio URL into its feed URL.
func EventsURL(radioURL string) string {
	u := radioURL
	u = strings.Replace(u, "ws://", "http://", 1)
	u = strings.Replace(u, "wss://", "https://", 1)
	u = strings.TrimSuffix(u, RadioPath)
	return strings.TrimSuffix(u, "/") + EventsPath
}

// Watch streams hub activity to fn until ctx is done. Reconnects are
// handled by the stream; their errors go to onError when set.
func Watch(ctx context.Context, url string, fn func(Activity), onError func(error)) (err error) {
	defer err2.Handle(&err)

	stream := try.To1(eventsource.Subscribe(url, ""))
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events:
			if !ok {
				return nil
			}
			fn(Activity{id: ev.Id(), kind: ev.Event(), data: ev.Data()})
		case streamErr, ok := <-stream.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(streamErr)
			}
		}
	}
}
