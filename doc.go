// Package gatekit is a stateless authentication core for Go web services.
//
// It issues and verifies three classes of short-lived signed tokens (CSRF,
// session, one-time email sign-in), manages linking of third-party identity
// provider accounts to a local user record, and drives the sign-in protocol
// from anonymous through pending verification to an authenticated session.
// All session state lives in signed cookies; the server holds no session
// table, so any number of instances can serve the same traffic.
//
// # Architecture
//
// The core depends on two injected collaborators. A Repository persists user
// records and linked provider accounts and supplies the atomicity the core
// relies on: a conditional compare-and-clear for single-use email tokens and
// a uniqueness constraint on (provider, account id) pairs. An optional
// email-sending function delivers sign-in links; when absent, email sign-in
// routes are never mounted. A credentials sign-in hook may likewise be
// supplied to enable a password route.
//
// # Basic Usage
//
//	cfg, err := gatekit.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := gatekit.New(cfg, gatekit.Options{
//	    Repository:      memory.New(),
//	    SendSigninEmail: gatekit.ConsoleEmailSender(nil),
//	    Providers: []gatekit.Provider{
//	        gatekit.NewGoogleProvider(googleID, googleSecret),
//	        gatekit.NewGitHubProvider(githubID, githubSecret),
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	http.Handle("/auth/", svc.Handler())
//	http.Handle("/app/", svc.RequireSession(appHandler))
//
// # Endpoints
//
// Mounted under the configured prefix (default /auth):
//
//	POST /email/signin           request a sign-in email (CSRF protected)
//	GET  /email/signin/{token}   redeem a sign-in token
//	POST /signin                 credential sign-in (when configured)
//	POST /signout                clear the session (CSRF protected)
//	GET  /csrf                   issue/read the CSRF token
//	GET  /session                read the current session and user
//	GET  /linked                 list linked provider accounts
//	GET  /oauth/{provider}           begin the OAuth redirect
//	GET  /oauth/{provider}/callback  complete the OAuth exchange
//	POST /oauth/{provider}/unlink    remove a linked account
//	GET  /providers              list configured providers and their URLs
//
// # Security
//
// Every token carries its own expiry and an HS256 signature over the full
// payload including its kind, so truncation, splicing and cross-kind replay
// all fail verification. Verification failures collapse into a single
// invalid-token outcome; callers cannot distinguish expired from tampered
// from unknown. Email sign-in tokens are single-use: the repository clears
// the stored token hash atomically, so exactly one of N concurrent
// redemptions succeeds. Unlinking a provider account is rejected when it
// would leave the user without any usable sign-in method.
//
// # Store Implementations
//
// The stores/memory package provides an in-process repository for tests and
// small deployments, stores/gorm a SQL adapter, and stores/gae a Google
// Cloud Datastore adapter. Production systems can implement the Repository
// interface against any engine that can provide the two atomicity
// guarantees above.
package gatekit
