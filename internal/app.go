package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"signal-fire/pkg/log"
	"signal-fire/pkg/peer"
	"signal-fire/pkg/signalfire"
	"signal-fire/pkg/transfer"
	"signal-fire/pkg/transport"
	"signal-fire/pkg/vault"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type App struct {
	encryptionMode bool
	password1      string
	password2      string
	passwordFile   string
	passwordKey    string
	instanceUUID   string
	relayURL       string
	stunServers    []string
	remotePeer     string
	label          string
	zipDir         bool
	sourceEntry    string
	outputFilename string
	destinationDir string
	fileVersions   uint16
	connectTimeout time.Duration
	verbose        bool

	vault    *vault.File
	router   *signalfire.Router
	sender   *transfer.Sender
	receiver *transfer.Receiver
	sentAll  atomic.Bool

	doneOnce sync.Once
	done     chan error
}

func NewApp() *App {
	return &App{
		instanceUUID: uuid.New().String(),
		done:         make(chan error, 1),
	}
}

func (a *App) Setup() error {
	a.parseCmdline()

	log.SetupLogger(a.verbose)

	if len(a.passwordFile) != 0 {
		if err := a.setupVault(); err != nil {
			return err
		}
	}

	if a.encryptionMode {
		if a.vault == nil {
			return errors.New("encryption mode requires --passfile")
		}

		return nil
	}

	return a.setupTransferMode()
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	if a.encryptionMode {
		return a.runEncryptionMode()
	}

	return a.runTransferMode(ctx, cancel)
}

func (a *App) parseCmdline() {
	// Options of the passwords encryption mode.
	pflag.BoolVarP(&a.encryptionMode, "encrypt", "e", false, "Run in the encryption mode to save archive passwords (--password1, --password2) encrypted to --passfile")
	pflag.StringVarP(&a.password1, "password1", "1", "", "First-level (inner) zip password")
	pflag.StringVarP(&a.password2, "password2", "2", "", "Second-level (outer) zip password")
	pflag.StringVarP(&a.passwordFile, "passfile", "p", "", "File where encrypted passwords are saved to or taken from (see: --encrypt)")
	pflag.StringVarP(&a.passwordKey, "passkey", "k", "", "AES key (16, 24 or 32 bytes) protecting --passfile")

	// Common options of the transfer mode.
	pflag.StringVarP(&a.relayURL, "relay", "r", "", "WebSocket URL of the signaling relay")
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	pflag.StringVarP(&a.label, "label", "l", "transfer", "Sub-channel label the file is sent over")
	pflag.DurationVar(&a.connectTimeout, "timeout", 30*time.Second, "How long to wait for the relay to assign an identity per attempt")

	// Sender's options of the transfer mode.
	pflag.StringVarP(&a.remotePeer, "peer", "P", "", "Identity of the peer to send the file to; without it the file is received instead")
	pflag.BoolVarP(&a.zipDir, "zipdir", "z", false, "Zip directory that is required to be sent to another peer")
	pflag.StringVarP(&a.sourceEntry, "srcentry", "s", "", "Source file/directory that is required to be sent to another peer")
	pflag.StringVarP(&a.outputFilename, "outfile", "o", "", "Output filename zipping a source directory that will be sent as a result")

	// Receiver's options of the transfer mode.
	pflag.StringVarP(&a.destinationDir, "dstdir", "d", ".", "Destination directory where to store files received from another peer")
	pflag.Uint16VarP(&a.fileVersions, "versions", "v", 1, "Number of backup versions of received files with the same name")

	pflag.BoolVar(&a.verbose, "verbose", false, "Log negotiation details")

	pflag.Parse()
}

func (a *App) setupVault() error {
	if len(a.passwordKey) == 0 {
		return errors.New("--passfile requires --passkey")
	}

	c, err := vault.NewAESCBC([]byte(a.passwordKey))
	if err != nil {
		return errors.Wrap(err, "password vault")
	}

	a.vault = vault.NewFile(a.passwordFile, c)

	return nil
}

func (a *App) setupTransferMode() (err error) {
	dialer, err := transport.NewWebSocketDialer(transport.WebSocketConfig{
		URL: a.relayURL,
	})
	if err != nil {
		return errors.Wrap(err, "relay")
	}

	engine, err := peer.NewWebRTC(peer.WebRTCConfig{
		STUN: a.stunServers,
	})
	if err != nil {
		return errors.Wrap(err, "webrtc engine")
	}

	a.router, err = signalfire.NewRouter(signalfire.Config{
		Dialer: dialer,
		Engine: engine,
	})
	if err != nil {
		return errors.Wrap(err, "router")
	}

	if len(a.remotePeer) == 0 {
		a.receiver, err = transfer.NewReceiver(transfer.ReceiverConfig{
			DestinationDir: a.destinationDir,
			Versions:       a.fileVersions,
		})

		return errors.Wrap(err, "receiver")
	}

	passwords := vault.Passwords{Inner: a.password1, Outer: a.password2}

	if a.vault != nil {
		passwords, err = a.vault.Load()
		if err != nil {
			return errors.Wrap(err, "password vault")
		}
	}

	a.sender, err = transfer.NewSender(transfer.SenderConfig{
		ZipDir:         a.zipDir,
		SourceEntry:    a.sourceEntry,
		OutputFilename: a.outputFilename,
		Password1:      passwords.Inner,
		Password2:      passwords.Outer,
	})

	return errors.Wrap(err, "sender")
}

func (a *App) runEncryptionMode() error {
	err := a.vault.Save(vault.Passwords{Inner: a.password1, Outer: a.password2})

	return errors.Wrap(err, "password vault")
}

func (a *App) runTransferMode(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting signal-fire, Instance UUID: %s", a.instanceUUID)
	defer log.Info("Ending signal-fire")

	a.listenOS(cancel)

	unsubscribe := a.router.Subscribe(a.onRouterEvent)
	defer unsubscribe()

	identity, err := a.connect(ctx)
	if err != nil {
		return errors.Wrap(err, "relay")
	}

	log.Info("assigned identity: ", identity)

	if a.sender != nil {
		if err := a.startSending(ctx); err != nil {
			return err
		}
	} else {
		log.Infof("waiting for a %q sub-channel", a.label)
	}

	select {
	case <-ctx.Done():
	case err = <-a.done:
	}

	for _, session := range a.router.Sessions() {
		_ = session.Close()
	}

	_ = a.router.Close()
	cancel()

	return err
}

// connect retries until the relay assigns an identity. Each attempt is bounded
// by connectTimeout.
func (a *App) connect(ctx context.Context) (string, error) {
	backOff := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      5 * time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	var identity string

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
		defer cancel()

		id, err := a.router.Connect(attemptCtx)
		if errors.Is(err, signalfire.ErrAlreadyConnected) {
			return backoff.Permanent(err)
		}

		if err != nil {
			log.Warnf("connecting to relay: %v", err)

			return err
		}

		identity = id

		return nil
	}

	if err := backoff.Retry(operation, backOff); err != nil {
		return "", err
	}

	return identity, nil
}

func (a *App) onRouterEvent(ev signalfire.RouterEvent) {
	switch e := ev.(type) {
	case signalfire.TransportError:
		log.Error("relay link: ", e.Err)
	case signalfire.Disconnected:
		// Sessions can outlive the relay link, so a running transfer continues.
		log.Info("relay link closed")
	case signalfire.IncomingSession:
		if a.receiver == nil {
			log.Infof("ignoring session from %s", e.Session.RemoteIdentity())

			return
		}

		log.Info("incoming session from ", e.Session.RemoteIdentity())
		e.Session.Subscribe(a.onSessionEvent)
	}
}

func (a *App) onSessionEvent(ev signalfire.SessionEvent) {
	switch e := ev.(type) {
	case signalfire.IncomingSubChannel:
		if e.Channel.Label() != a.label {
			log.Infof("ignoring sub-channel %q", e.Channel.Label())

			return
		}

		a.startReceiving(e.Channel)
	case signalfire.ConnectionStateChanged:
		log.Debugf("connection state: %s", e.State)
	}
}

func (a *App) startReceiving(sc *signalfire.SubChannel) {
	sc.Subscribe(a.receiver.HandleEvent)

	go func() {
		<-a.receiver.Done()

		// The sender waits for this close to know everything arrived.
		_ = sc.Close()
		a.finish(a.receiver.Err())
	}()
}

func (a *App) startSending(ctx context.Context) error {
	session, err := a.router.OpenSession(a.remotePeer)
	if err != nil {
		return errors.Wrap(err, "open session")
	}

	sc, err := session.OpenSubChannel(a.label)
	if err != nil {
		return errors.Wrap(err, "open sub-channel")
	}

	var sent sync.Once

	sc.Subscribe(func(ev signalfire.ChannelEvent) {
		switch ev.(type) {
		case signalfire.ChannelOpened:
			sent.Do(func() {
				go a.send(ctx, sc)
			})
		case signalfire.ChannelClosed:
			if !a.sentAll.Load() {
				a.finish(transfer.ErrIncomplete)

				return
			}

			a.finish(nil)
		}
	})

	log.Infof("waiting for %s to accept the sub-channel", a.remotePeer)

	return nil
}

func (a *App) send(ctx context.Context, sc *signalfire.SubChannel) {
	if err := a.sender.Send(ctx, sc); err != nil {
		_ = sc.Close()
		a.finish(errors.Wrap(err, "send file"))

		return
	}

	a.sentAll.Store(true)
	log.Info("file sent, waiting for the peer to confirm")
}

func (a *App) finish(err error) {
	a.doneOnce.Do(func() {
		a.done <- err
	})
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
