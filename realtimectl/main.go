package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharelist/realtime/realtime"
)

const DefaultApiUrl = "https://api.sharelist.network"
const DefaultPlatformUrl = "wss://channel.sharelist.network"

const LocalVersion = "0.0.0-local"

const maxVisibleOthers = 6

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`ShareList realtime control.

The default urls are:
    api_url: %s
    platform_url: %s

Usage:
    realtimectl login --user_auth=<user_auth> [--password=<password>]
        [--api_url=<api_url>]
    realtimectl lists --jwt=<jwt> [--api_url=<api_url>]
    realtimectl snapshot --jwt=<jwt> --list_id=<list_id>
        [--api_url=<api_url>]
        [--filter=<filter>]
        [--sort]
    realtimectl watch --jwt=<jwt> --list_id=<list_id>
        [--api_url=<api_url>]
        [--platform_url=<platform_url>]
        [--filter=<filter>]
        [--status_port=<status_port>]
        [--verbose]

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    --api_url=<api_url>
    --platform_url=<platform_url>
    --user_auth=<user_auth>
    --password=<password>
    --jwt=<jwt>                   Your platform JWT.
    --list_id=<list_id>
    --filter=<filter>             Item filter expression, e.g. '!isChecked && quantity < 3'.
    --sort                        Order by sortOrder then name instead of arrival.
    --status_port=<status_port>   Serve /status and /metrics on this port.
    -v --verbose`,
		DefaultApiUrl,
		DefaultPlatformUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if verbose_, _ := opts.Bool("--verbose"); verbose_ {
		initGlog("1")
	} else {
		initGlog("0")
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if lists_, _ := opts.Bool("lists"); lists_ {
		lists(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

// the realtime package logs via glog. docopt owns the args, so the flag
// package is parsed empty here and configured directly.
func initGlog(v string) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", v)
	flag.CommandLine.Parse([]string{})
}

func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewShareListApi(cancelCtx, requireApiUrl(opts))
	defer api.Close()

	loginArgs := &realtime.AuthLoginWithPasswordArgs{
		UserAuth: userAuth,
		Password: password,
	}

	result, err := api.AuthLoginWithPasswordSync(
		cancelCtx,
		loginArgs,
		realtime.NewNoopApiCallback[*realtime.AuthLoginWithPasswordResult](),
	)
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}

	Out.Printf("%s", result.ByJwt)
}

func lists(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewShareListApi(cancelCtx, requireApiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	result, err := api.GetListsSync(
		cancelCtx,
		realtime.NewNoopApiCallback[*realtime.GetListsResult](),
	)
	if err != nil {
		panic(err)
	}

	for _, listInfo := range result.Lists {
		Out.Printf("%s %s", listInfo.ListId, listInfo.Name)
	}
}

func snapshot(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	listId, _ := opts.String("--list_id")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewShareListApi(cancelCtx, requireApiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	result, err := api.GetListItemsSync(
		cancelCtx,
		listId,
		realtime.NewNoopApiCallback[*realtime.GetListItemsResult](),
	)
	if err != nil {
		panic(err)
	}

	// the snapshot goes through the same normalize path as the live feed,
	// so filters and printing see canonical records
	cache := realtime.NewListCache(listId)
	reconciler := realtime.NewReconcilerWithDefaults(cache)
	reconciler.Resync(result.Items)

	var items []realtime.ListItem
	if sort_, _ := opts.Bool("--sort"); sort_ {
		items = cache.SortedItems()
	} else {
		items = cache.Items()
	}
	if filter := requireFilter(opts); filter != nil {
		items = filter.FilterItems(items)
	}

	for _, item := range items {
		printItem(item)
	}
}

func watch(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	listId, _ := opts.String("--list_id")

	byJwt, err := realtime.ParseByJwtUnverified(jwt)
	if err != nil {
		panic(err)
	}

	filter := requireFilter(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeEvent := realtime.NewEventWithContext(cancelCtx)
	closeEvent.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := closeEvent.Ctx()

	stats := realtime.NewStatsWithDefaults()

	var statusServer *http.Server
	if statusPort, err := opts.Int("--status_port"); err == nil && 0 < statusPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/status", &Status{})
		statusServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", statusPort),
			Handler: mux,
		}
		go func() {
			defer cancel()
			err := statusServer.ListenAndServe()
			if err != nil {
				fmt.Printf("status error: %s\n", err)
			}
		}()
		fmt.Printf("Status %s on *:%d\n", RequireVersion(), statusPort)
	}

	api := realtime.NewShareListApi(ctx, requireApiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	auth := &realtime.ClientAuth{
		ByJwt:      jwt,
		InstanceId: realtime.NewId(),
		AppVersion: fmt.Sprintf("realtimectl %s", RequireVersion()),
	}

	var platformUrl string
	if platformUrlAny := opts["--platform_url"]; platformUrlAny != nil {
		platformUrl = platformUrlAny.(string)
	} else {
		platformUrl = DefaultPlatformUrl
	}

	channelSettings := realtime.DefaultPlatformChannelSettings()
	channelSettings.Stats = stats
	provider := realtime.NewPlatformChannelProvider(ctx, platformUrl, auth, channelSettings)
	defer provider.Close()

	managerSettings := realtime.DefaultSubscriptionManagerSettings()
	managerSettings.SubscriptionSettings.Stats = stats
	manager := realtime.NewSubscriptionManager(ctx, provider, managerSettings)
	defer manager.Close()

	sub := manager.Mount(listId, byJwt.Participant())

	sub.AddStateCallback(func(state realtime.SubscriptionState, err error) {
		if err == nil {
			Out.Printf("# %s", state)
		} else {
			Out.Printf("# %s (%s)", state, err)
		}
	})

	sub.Reconciler().AddChangeCallback(func(event *realtime.ChangeEvent) {
		if event.Type == realtime.ChangeDelete {
			Out.Printf("- %s", event.ItemId)
			return
		}
		item, ok := sub.Cache().Get(event.ItemId)
		if !ok {
			return
		}
		if filter != nil && !filter.Matches(item) {
			return
		}
		printItem(item)
	})

	sub.Presence().AddPresenceCallback(func(state realtime.PresenceState, participants []*realtime.Participant) {
		if state != realtime.PresenceStateSynced {
			return
		}
		visible, overflow := sub.Presence().VisibleOthers(maxVisibleOthers)
		line := "# here:"
		for _, participant := range visible {
			name := participant.Name
			if name == "" {
				name = participant.UserId
			}
			line += fmt.Sprintf(" %s", name)
		}
		if 0 < overflow {
			line += fmt.Sprintf(" +%d more", overflow)
		}
		Out.Printf("%s", line)
	})

	// seed from a rest snapshot. The live feed converges on its own if this
	// fails, so a snapshot error does not stop the watch
	snapshotResult, err := api.GetListItemsSync(
		ctx,
		listId,
		realtime.NewNoopApiCallback[*realtime.GetListItemsResult](),
	)
	if err == nil {
		sub.Resync(snapshotResult.Items)
		items := sub.Cache().SortedItems()
		if filter != nil {
			items = filter.FilterItems(items)
		}
		for _, item := range items {
			printItem(item)
		}
	} else {
		Err.Printf("snapshot error: %s", err)
	}

	select {
	case <-ctx.Done():
	}

	if statusServer != nil {
		statusServer.Shutdown(ctx)
	}

	manager.Close()
	provider.Close()

	// exit
	os.Exit(0)
}

func printItem(item realtime.ListItem) {
	check := " "
	if item.IsChecked {
		check = "x"
	}
	line := fmt.Sprintf("[%s] %s", check, item.Name)
	if item.Quantity != 0 && item.Quantity != 1 {
		line += fmt.Sprintf(" x%s", strconv.FormatFloat(item.Quantity, 'f', -1, 64))
	}
	if item.Price != 0 {
		line += fmt.Sprintf(" $%.2f", item.Price)
	}
	if !item.Category.IsUncategorized() {
		line += fmt.Sprintf(" (%s)", item.Category.Name)
	}
	if item.AddedBy != nil && item.AddedBy.Name != "" {
		line += fmt.Sprintf(" by %s", item.AddedBy.Name)
	}
	Out.Printf("%s", line)
}

func requireApiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return DefaultApiUrl
}

func requireFilter(opts docopt.Opts) *realtime.ItemFilter {
	filterAny := opts["--filter"]
	if filterAny == nil {
		return nil
	}
	filter, err := realtime.CompileItemFilter(filterAny.(string))
	if err != nil {
		panic(err)
	}
	return filter
}

type Status struct {
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string `json:"version"`
		Status  string `json:"status"`
	}

	result := &StatusResult{
		Version: RequireVersion(),
		Status:  "ok",
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("SHARELIST_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
