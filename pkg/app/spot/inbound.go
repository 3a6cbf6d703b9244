package spot

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/relay"
)

// CommandHandler adapts a message transport to the sequencer. Each message
// carries one JSON Command; its reply is published on replyTopic under the
// same key, which callers use to correlate requests.
func CommandHandler(log *zap.SugaredLogger, seq *Sequencer, pub relay.Publisher, replyTopic string) relay.Handler {
	return func(ctx context.Context, msg relay.Message) error {
		var cmd Command
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			reply := Reply{Type: ReplyOrderRejected, Payload: Rejection{Reason: ReasonUnknownCommand, Message: "malformed command"}}
			if perr := publishReply(ctx, pub, replyTopic, msg.Key, reply); perr != nil {
				log.Warnw("reply_publish_failed", "key", string(msg.Key), "err", perr)
			}
			return fmt.Errorf("decode command: %w", err)
		}
		reply, err := seq.Submit(ctx, cmd)
		if err != nil {
			return err
		}
		return publishReply(ctx, pub, replyTopic, msg.Key, reply)
	}
}

func publishReply(ctx context.Context, pub relay.Publisher, topic string, key []byte, r Reply) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return pub.Publish(ctx, relay.Message{Topic: topic, Key: key, Value: b})
}
