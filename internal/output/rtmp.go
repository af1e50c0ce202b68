package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	rtmpDefaultPort = "1935"
	rtmpChunkSize   = 4096

	rtmpDataChunkStream  = 4
	rtmpAudioChunkStream = 5
	rtmpVideoChunkStream = 6
)

// rtmpPublisher sends FLV tags to an RTMP server as a live publish.
type rtmpPublisher struct {
	client *rtmp.ClientConn
	stream *rtmp.Stream
}

// dialRTMP connects to an rtmp://host[:port]/app[/...]/key URL and starts
// publishing under key.
func dialRTMP(ctx context.Context, uri string, logger *slog.Logger) (*rtmpPublisher, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing rtmp url: %w", err)
	}
	app, key, err := splitRTMPPath(u.Path)
	if err != nil {
		return nil, err
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(u.Hostname(), rtmpDefaultPort)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{Logger: rtmpLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("connecting to rtmp server %s: %w", host, err)
	}

	tcURL := fmt.Sprintf("rtmp://%s/%s", u.Host, app)
	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; osdrelay)",
			TCURL:    tcURL,
		},
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rtmp connect %s: %w", tcURL, err)
	}

	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rtmp create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: key,
		PublishingType: "live",
	}); err != nil {
		_ = stream.Close()
		_ = client.Close()
		return nil, fmt.Errorf("rtmp publish: %w", err)
	}

	logger.Info("rtmp publishing", slog.String("app", app), slog.String("server", host))
	return &rtmpPublisher{client: client, stream: stream}, nil
}

// splitRTMPPath splits /app/key into its application and stream key. Every
// segment but the last belongs to the application.
func splitRTMPPath(path string) (app, key string, err error) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("rtmp url path %q must be /app/key", "/"+path)
	}
	return path[:i], path[i+1:], nil
}

func (p *rtmpPublisher) begin(bool, bool) error {
	return nil
}

func (p *rtmpPublisher) writeTag(tagType byte, timestamp uint32, body []byte) error {
	switch tagType {
	case tagVideo:
		return p.stream.Write(rtmpVideoChunkStream, timestamp, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(body)})
	case tagAudio:
		return p.stream.Write(rtmpAudioChunkStream, timestamp, &rtmpmsg.AudioMessage{Payload: bytes.NewReader(body)})
	case tagScript:
		return p.stream.Write(rtmpDataChunkStream, timestamp, &rtmpmsg.DataMessage{
			Name:     "@setDataFrame",
			Encoding: rtmpmsg.EncodingTypeAMF0,
			Body:     bytes.NewReader(body),
		})
	default:
		return fmt.Errorf("unknown flv tag type %d", tagType)
	}
}

func (p *rtmpPublisher) Close() error {
	return errors.Join(p.stream.Close(), p.client.Close())
}

// rtmpLogger routes the RTMP client's logrus output into slog. The client
// logs per-message chatter at info, so everything below warn goes to debug.
func rtmpLogger(logger *slog.Logger) logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	l.Level = logrus.DebugLevel
	l.AddHook(slogHook{logger: logger})
	return l
}

type slogHook struct {
	logger *slog.Logger
}

func (slogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h slogHook) Fire(e *logrus.Entry) error {
	level := slog.LevelDebug
	switch {
	case e.Level <= logrus.ErrorLevel:
		level = slog.LevelError
	case e.Level == logrus.WarnLevel:
		level = slog.LevelWarn
	}
	attrs := make([]any, 0, len(e.Data))
	for k, v := range e.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	h.logger.Log(context.Background(), level, "rtmp: "+e.Message, attrs...)
	return nil
}
