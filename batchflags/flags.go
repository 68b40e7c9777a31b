// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchflags provides flag support for use by bigbatch command
// line applications.
package batchflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/exec"
	"github.com/grailbio/bigbatch/hostlist"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]func() Provider{} // protected by mu
	profiles  = map[string]string{}          // protected by mu
)

// Provider represents a worker provider that can be configured by
// setting some set of options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the workers to be provided. The
	// options may be specified as key=val.
	Set(string) error
	// ExecOption returns the appropriate exec.Option to request
	// workers as configured by the currently set options.
	ExecOption() (exec.Option, error)

	// DefaultParallelism returns the default number of workers to use
	// for this provider. Zero lets the executor decide.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide workers to bigbatch. The provided function
// returns a fresh, unconfigured provider.
func RegisterSystemProvider(name string, provider func() Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which
// is a named shorthand for a system and any associated options.
// For example an application that registers a profile of:
//   batchflags.RegisterSystemProfile("my-cluster", "hosts:file=/etc/nodes")
// can accept
//   -system=my-cluster
// as a synonym for
//   -system=hosts:file=/etc/nodes
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	sort.Strings(prv)
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal represents in-process workers.
type Internal struct{}

// Name implements Provider.Name.
func (i *Internal) Name() string {
	return "internal"
}

// Set implements Provider.Set.
func (i *Internal) Set(_ string) error {
	return fmt.Errorf("the internal provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (i *Internal) ExecOption() (exec.Option, error) {
	return exec.Local, nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (i *Internal) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// Local represents workers in a separate process on the local machine.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (l *Local) ExecOption() (exec.Option, error) {
	return exec.Bigmachine(bigmachine.Local), nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (l *Local) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// EC2 represents workers on AWS EC2 bigmachines.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (ec2 *EC2) DefaultParallelism() int {
	return 0
}

// ExecOption implements Provider.ExecOption.
func (ec2 *EC2) ExecOption() (exec.Option, error) {
	if ec2.Options == nil {
		return exec.Bigmachine(&ec2system.System{}), nil
	}
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return exec.Bigmachine(instance), nil
}

// Hosts represents workers on hosts that each run a bigbatch worker
// server. Hosts are gathered from every configured source, in order.
type Hosts struct {
	Sources []hostlist.Source
	descr   []string
}

// Name implements Provider.Name.
func (h *Hosts) Name() string {
	return "hosts"
}

// Set implements Provider.Set. The supported options are file=PATH,
// env=VAR, host=ADDR and tag=KEY[=VALUE]; tags select running EC2
// instances.
func (h *Hosts) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "file":
		h.Sources = append(h.Sources, hostlist.File(val))
	case "env":
		h.Sources = append(h.Sources, hostlist.Env(val))
	case "host":
		h.Sources = append(h.Sources, hostlist.Static{val})
	case "tag":
		h.Sources = append(h.Sources, hostlist.EC2{Tags: hostlist.ParseTags(val)})
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	h.descr = append(h.descr, v)
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (h *Hosts) DefaultParallelism() int {
	return 0
}

// ExecOption implements Provider.ExecOption.
func (h *Hosts) ExecOption() (exec.Option, error) {
	if len(h.Sources) == 0 {
		return nil, fmt.Errorf("hosts: no host source configured; use file=, env=, host= or tag=")
	}
	return exec.Hosts(hostlist.Concat(h.Sources...)), nil
}

func init() {
	RegisterSystemProvider("local", func() Provider { return &Local{} })
	RegisterSystemProvider("internal", func() Provider { return &Internal{} })
	RegisterSystemProvider("ec2", func() Provider { return &EC2{} })
	RegisterSystemProvider("hosts", func() Provider { return &Hosts{} })
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a bigbatch system is specified as follows: {internal,local,ec2:[key=val,],hosts:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a completion explanation of the allowed SystemFlags values.
const SystemHelpLong = `A bigbatch system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported system types and their options are as follows:

internal: in-process execution, the default.
local: same machine, separate process execution.
ec2: AWS EC2 execution. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m4.xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default
hosts: execution on hosts running "bigbatch worker". The options,
which may be repeated, are:
	file=<path> - a node file, as written by PBS, Slurm or MPI
	env=<variable> - an environment variable listing hosts
	host=<host[:port]> - a single host
	tag=<key[=value]> - running EC2 instances with the given tag

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "my-cluster" can be configured as a synonym for
hosts:file=/etc/nodes.
`

// SystemFlag represents a flag that can be used to specify where
// workers run.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	newProvider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	provider := newProvider()
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// ParamsFlag is a repeatable flag of computation parameters, each
// given as key=value.
type ParamsFlag map[string]string

// String implements flag.Value.String
func (p ParamsFlag) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		keys[i] = k + "=" + p[k]
	}
	return strings.Join(keys, ",")
}

// Set implements flag.Value.Set
func (p ParamsFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return fmt.Errorf("parameter not in key=val format: %q", v)
	}
	p[parts[0]] = parts[1]
	return nil
}

// Flags represents all of the flags that can be used to configure
// a bigbatch command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	Computation   string
	Params        ParamsFlag
	Retries       int
	JobTimeout    time.Duration
	SkipHidden    bool
	TracePath     string
	HostFile      string
	HostEnv       string
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the bigbatch command line flags with the supplied
// flag set. The flag names will be prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:        "internal",
		HTTPAddress:   ":3333",
		ConsoleStatus: false,
		Parallelism:   0,
		Computation:   "copy",
	})
}

// ExecOptions parses the flag values and returns a slice of exec.Options
// that represent the actions specified by those flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	var batchStatus status.Status
	// Ensure bigmachine's group is displayed first.
	_ = batchStatus.Group(exec.BigmachineStatusGroup)
	_ = batchStatus.Groups()

	provider := bf.System.Provider
	if bf.HostFile != "" || bf.HostEnv != "" {
		hosts, ok := provider.(*Hosts)
		if !ok {
			if bf.System.Specified {
				return nil, fmt.Errorf("-hostfile and -hostenv require the hosts system, not %s", provider.Name())
			}
			hosts = new(Hosts)
			provider = hosts
		}
		if bf.HostFile != "" {
			hosts.Sources = append(hosts.Sources, hostlist.File(bf.HostFile))
		}
		if bf.HostEnv != "" {
			hosts.Sources = append(hosts.Sources, hostlist.Env(bf.HostEnv))
		}
	}
	if bf.Computation == "" {
		return nil, fmt.Errorf("no computation specified")
	}
	if bf.Retries < 0 {
		return nil, fmt.Errorf("invalid number of retries %d", bf.Retries)
	}
	system, err := provider.ExecOption()
	if err != nil {
		return nil, err
	}
	options := []exec.Option{
		exec.Status(&batchStatus),
		system,
		exec.Computation(bf.Computation),
		exec.Params(bf.Params),
		exec.Retries(bf.Retries),
		exec.Sinks(new(exec.LogSink)),
	}
	if bf.Parallelism > 0 {
		options = append(options, exec.Parallelism(bf.Parallelism))
	} else if p := provider.DefaultParallelism(); p > 0 {
		options = append(options, exec.Parallelism(p))
	}
	if bf.JobTimeout > 0 {
		options = append(options, exec.JobTimeout(bf.JobTimeout))
	}
	if bf.SkipHidden {
		options = append(options, exec.Skip(bigbatch.SkipHidden))
	}
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
	Computation   string
}

// RegisterFlagsWithDefaults registers the bigbatch command line flags with
// the supplied flag set and defaults. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	bf.System.Set(defaults.System)
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", defaults.Parallelism, "number of workers, 0 requests an appropriate default for the system")
	fs.StringVar(&bf.Computation, prefix+"computation", defaults.Computation, "name of the computation applied to each input")
	bf.Params = make(ParamsFlag)
	fs.Var(bf.Params, prefix+"param", "computation parameter as key=value; may be repeated")
	fs.IntVar(&bf.Retries, prefix+"retries", 0, "number of additional attempts for jobs that fail temporarily")
	fs.DurationVar(&bf.JobTimeout, prefix+"job-timeout", 0, "maximum duration of each job attempt, 0 for none")
	fs.BoolVar(&bf.SkipHidden, prefix+"skip-hidden", false, "skip input files whose names begin with \".\"")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "path to which a trace of the batch is written")
	fs.StringVar(&bf.HostFile, prefix+"hostfile", "", "node file listing the hosts that run workers; implies -system=hosts")
	fs.StringVar(&bf.HostEnv, prefix+"hostenv", "", "environment variable listing the hosts that run workers; implies -system=hosts")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}
