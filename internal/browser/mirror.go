package browser

import (
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// mirror shuttles messages between a live WebSocket and pipe ends obtained
// from getPipe, until the WebSocket closes. Before the first byte has
// crossed, a broken pipe is quietly replaced by a fresh one; afterwards the
// mirror gives up instead, because a replacement browser cannot resume a
// stream halfway.
func mirror(ws *websocket.Conn, getPipe func() (*pipeEnd, error), tag string) {
	stop := make(chan struct{})
	defer close(stop)

	netCh := make(chan frame)
	go func() {
		defer close(netCh)
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			select {
			case netCh <- frame{kind: kind, data: data}:
			case <-stop:
				return
			}
		}
	}()

	transmittedAnything := false
	var fromNetwork, fromPipe *frame

	for {
		if transmittedAnything {
			log.Debug().Str("tag", tag).Msg("dropping websocket connection because we already transmitted bytes")
			return
		}

		end, err := getPipe()
		if err != nil {
			return
		}

	inner:
		for {
			switch {
			case fromNetwork != nil:
				if err := end.send(*fromNetwork); err != nil {
					log.Debug().Str("tag", tag).Msg("failed to forward network packet, getting new pipe")
					end.close()
					break inner
				}
				fromNetwork = nil
				transmittedAnything = true

			case fromPipe != nil:
				if err := ws.WriteMessage(fromPipe.kind, fromPipe.data); err != nil {
					log.Debug().Str("tag", tag).Msg("failed to forward packet from pipe, dropping connection")
					end.close()
					return
				}
				fromPipe = nil
				transmittedAnything = true

			default:
				select {
				case f, ok := <-netCh:
					if !ok {
						log.Debug().Str("tag", tag).Msg("websocket closed, dropping pipe")
						end.close()
						return
					}
					fromNetwork = &f
				case f := <-end.in:
					fromPipe = &f
				case <-end.peer:
					log.Debug().Str("tag", tag).Msg("pipe closed, getting new pipe")
					end.close()
					break inner
				}
			}
		}
	}
}
