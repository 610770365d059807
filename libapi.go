package smockron

import (
	"context"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"

	runtimepkg "github.com/qz267/smockron/internal/runtime"
	configpkg "github.com/qz267/smockron/internal/runtime/config"
	"github.com/qz267/smockron/internal/runtime/endpoint"
	errspkg "github.com/qz267/smockron/internal/runtime/errors"
	idspkg "github.com/qz267/smockron/internal/runtime/ids"
	jsoncodec "github.com/qz267/smockron/internal/runtime/jsoncodec"
	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
	metadatapkg "github.com/qz267/smockron/internal/runtime/metadata"
	"github.com/qz267/smockron/internal/runtime/protocol"
	transportpkg "github.com/qz267/smockron/internal/runtime/transport"
	"github.com/qz267/smockron/internal/runtime/wire"
	newtransport "github.com/qz267/smockron/transport"
)

type (
	Config             = configpkg.Config
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies
	ClientMetrics      = runtimepkg.ClientMetrics
	Agent              = runtimepkg.Agent
	AgentOptions       = runtimepkg.AgentOptions
	Endpoints          = endpoint.Pair
	Transport          = transportpkg.Transport
	TransportFactory   = transportpkg.Factory
	Codec              = wire.Codec

	AccountingEvent = protocol.AccountingEvent
	ControlMessage  = protocol.ControlMessage
	Frames          = protocol.Frames

	ControlListener     = runtimepkg.ControlListener
	ControlListenerFunc = runtimepkg.ControlListenerFunc
	EventSource         = runtimepkg.EventSource
	AccountingSender    = runtimepkg.AccountingSender
	Dispatcher          = runtimepkg.Dispatcher
	DispatcherOption    = runtimepkg.DispatcherOption
	DelayHandler        = runtimepkg.DelayHandler
	DelayHandlerFunc    = runtimepkg.DelayHandlerFunc
	DelayTable          = runtimepkg.DelayTable

	Accounter[R any]      = runtimepkg.Accounter[R]
	IdentifierFunc[R any] = runtimepkg.IdentifierFunc[R]

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	// Modular transport types
	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
	TransportTarget   = newtransport.Target
)

var (
	NewClient      = runtimepkg.NewClient
	NewAgent       = runtimepkg.NewAgent
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	Resolve        = endpoint.Resolve

	NewDispatcher       = runtimepkg.NewDispatcher
	WithIgnoredHook     = runtimepkg.WithIgnoredHook
	LoggingDelayHandler = runtimepkg.LoggingDelayHandler
	DelayHandlers       = runtimepkg.DelayHandlers
	NewDelayTable       = runtimepkg.NewDelayTable
	NewClientMetrics    = runtimepkg.NewClientMetrics
	MetricsHandler      = runtimepkg.MetricsHandler

	HTTPMiddleware     = runtimepkg.HTTPMiddleware
	RouterMiddleware   = runtimepkg.RouterMiddleware
	RemoteAddr         = runtimepkg.RemoteAddr
	HeaderOrRemoteAddr = runtimepkg.HeaderOrRemoteAddr
	MetadataIdentifier = runtimepkg.MetadataIdentifier

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	AbsorbErrorsMiddleware  = runtimepkg.AbsorbErrorsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware

	NewDelayUntil   = protocol.NewDelayUntil
	DecodeControl   = protocol.DecodeControl
	ParseTimestamp  = protocol.ParseTimestamp
	TextFrames      = protocol.TextFrames
	FormatTimestamp = protocol.FormatTimestamp
	Millis          = protocol.Millis
	TimeToSeconds   = protocol.TimeToSeconds
	SecondsToTime   = protocol.SecondsToTime

	LookupCodec   = wire.Lookup
	RegisterCodec = wire.Register

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities

	// Modular transport registry. Individual transports register themselves
	// on import, e.g. _ "github.com/qz267/smockron/transport/redis".
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrDomainRequired          = errspkg.ErrDomainRequired
	ErrInvalidConnectionString = errspkg.ErrInvalidConnectionString
	ErrUnknownCodec            = errspkg.ErrUnknownCodec
	ErrUnknownTransport        = errspkg.ErrUnknownTransport
	ErrAlreadyConnected        = errspkg.ErrAlreadyConnected
	ErrClientClosed            = errspkg.ErrClientClosed
	ErrTooFewFrames            = errspkg.ErrTooFewFrames
	ErrFrameNotText            = errspkg.ErrFrameNotText
	ErrSenderRequired          = errspkg.ErrSenderRequired
	ErrIdentifierRequired      = errspkg.ErrIdentifierRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	// NewID returns a ULID, the identifier format used for message UUIDs.
	NewID = idspkg.New
)

// Protocol constants.
const (
	StatusAccepted       = protocol.StatusAccepted
	CommandDelayUntil    = protocol.CommandDelayUntil
	AccountingFrameCount = protocol.AccountingFrameCount
	MinControlFrames     = protocol.MinControlFrames

	CodecProto = wire.CodecProto
	CodecJSON  = wire.CodecJSON

	DefaultPort = endpoint.DefaultPort
)

// Metadata keys carried next to every payload.
const (
	MetadataKeyCodec         = metadatapkg.KeyCodec
	MetadataKeyDomain        = metadatapkg.KeyDomain
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// NewAccounter returns an Accounter reporting each request through sender.
func NewAccounter[R any](sender AccountingSender, identify IdentifierFunc[R]) (*Accounter[R], error) {
	return runtimepkg.NewAccounter(sender, identify)
}

// NewHTTPAccounter is NewAccounter for net/http requests.
func NewHTTPAccounter(sender AccountingSender, identify IdentifierFunc[*http.Request]) (*Accounter[*http.Request], error) {
	return runtimepkg.NewAccounter(sender, identify)
}

// NewMessageAccounter is NewAccounter for Watermill messages.
func NewMessageAccounter(sender AccountingSender, identify IdentifierFunc[*message.Message]) (*Accounter[*message.Message], error) {
	return runtimepkg.NewAccounter(sender, identify)
}

// Connect builds a client and connects it in one step. The client is closed
// again when connecting fails.
func Connect(ctx context.Context, conf *Config, logger ServiceLogger, deps ClientDependencies) (*Client, error) {
	client, err := NewClient(conf, logger, deps)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// NewEntryServiceLogger adapts a logrus-style entry to ServiceLogger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
