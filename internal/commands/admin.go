package commands

import (
	"context"
	"fmt"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/registry"
)

func handleAddHost(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("add-host", "[options] <hostname> <arch> [<arch> ...]")
	principal := f.String("krb-principal", "", "set a non-default kerberos principal for the host")
	comment := f.String("comment", "", "add a comment to the host")
	description := f.String("description", "", "add a description to the host")
	force := f.Bool("force", false, "convert an existing regular user to a host")
	if done, err := f.parse(rt, args, 2); done {
		return err
	}
	host, arches := f.Arg(0), f.Args()[1:]

	if err := s.Activate(ctx); err != nil {
		return err
	}
	existing, err := s.Call(ctx, "getHost", host)
	if err != nil {
		return err
	}
	if existing != nil {
		fmt.Fprintf(rt.Stderr, "%s is already in the database\n", host)
		return registry.ExitCode(1)
	}

	kw := hub.Kw{}
	if *principal != "" {
		kw["krb_principal"] = *principal
	}
	if *force {
		kw["force"] = true
	}
	v, err := s.Call(ctx, "addHost", host, arches, kw)
	if err != nil {
		if hub.IsConflict(err) {
			fmt.Fprintf(rt.Stderr, "%s is already in the database\n", host)
			return registry.ExitCode(1)
		}
		return err
	}
	id, err := asInt("addHost", v)
	if err != nil {
		return err
	}
	if *comment != "" || *description != "" {
		edit := hub.Kw{}
		if *comment != "" {
			edit["comment"] = *comment
		}
		if *description != "" {
			edit["description"] = *description
		}
		if _, err := s.Call(ctx, "editHost", id, edit); err != nil {
			return err
		}
	}
	fmt.Fprintf(rt.Stdout, "%s added: id %d\n", host, id)
	return nil
}

func handleEnableHost(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	return setHostsEnabled(ctx, rt, s, args, true)
}

func handleDisableHost(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	return setHostsEnabled(ctx, rt, s, args, false)
}

func setHostsEnabled(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string, enable bool) error {
	verb, method := "disable-host", "disableHost"
	if enable {
		verb, method = "enable-host", "enableHost"
	}
	f := newFlags(verb, "[options] <hostname> [<hostname> ...]")
	comment := f.String("comment", "", "comment indicating why the hosts are being changed")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	hosts := f.Args()

	if err := s.Activate(ctx); err != nil {
		return err
	}
	_, missing, err := lookupAll(ctx, s, "getHost", hosts)
	if err != nil {
		return err
	}
	if err := reportMissing(rt, "host", missing); err != nil {
		return err
	}
	_, err = s.WithMulticall(ctx, true, func(m *hub.Multicall) error {
		for _, h := range hosts {
			m.Call(method, h)
			if *comment != "" {
				m.Call("editHost", h, hub.Kw{"comment": *comment})
			}
		}
		return nil
	})
	return err
}

func handleAddChannel(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("add-channel", "[options] <channel-name>")
	description := f.String("description", "", "description of the channel")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	name := f.Arg(0)

	if err := s.Activate(ctx); err != nil {
		return err
	}
	kw := hub.Kw{}
	if *description != "" {
		kw["description"] = *description
	}
	v, err := s.Call(ctx, "createChannel", name, kw)
	if err != nil {
		if hub.IsConflict(err) {
			return hub.Errorf(hub.KindConflict, "channel %s already exists", name)
		}
		return err
	}
	id, err := asInt("createChannel", v)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.Stdout, "%s added: id %d\n", name, id)
	return nil
}

func handleEnableChannel(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	return setChannelsEnabled(ctx, rt, s, args, true)
}

func handleDisableChannel(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	return setChannelsEnabled(ctx, rt, s, args, false)
}

func setChannelsEnabled(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string, enable bool) error {
	verb, method := "disable-channel", "disableChannel"
	if enable {
		verb, method = "enable-channel", "enableChannel"
	}
	f := newFlags(verb, "[options] <channelname> [<channelname> ...]")
	comment := f.String("comment", "", "comment indicating why the channels are being changed")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	channels := f.Args()

	if err := s.Activate(ctx); err != nil {
		return err
	}
	_, missing, err := lookupAll(ctx, s, "getChannel", channels)
	if err != nil {
		return err
	}
	if err := reportMissing(rt, "channel", missing); err != nil {
		return err
	}
	_, err = s.WithMulticall(ctx, true, func(m *hub.Multicall) error {
		for _, c := range channels {
			if *comment != "" {
				m.Call(method, c, hub.Kw{"comment": *comment})
			} else {
				m.Call(method, c)
			}
		}
		return nil
	})
	return err
}

func handleAddVolume(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("add-volume", "<volume-name>")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	name := f.Arg(0)

	if err := s.Activate(ctx); err != nil {
		return err
	}
	existing, err := s.Call(ctx, "getVolume", name)
	if err != nil && !hub.IsNotFound(err) {
		return err
	}
	if existing != nil {
		fmt.Fprintf(rt.Stderr, "Volume %s already exists\n", name)
		return registry.ExitCode(1)
	}
	v, err := s.Call(ctx, "addVolume", name)
	if err != nil {
		return err
	}
	var vol hub.Volume
	if err := hub.Decode(v, &vol); err != nil {
		return err
	}
	fmt.Fprintf(rt.Stdout, "Added volume %s with id %d\n", vol.Name, vol.ID)
	return nil
}

func handleGrantPermission(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("grant-permission", "[options] <permission> <user> [<user> ...]")
	create := f.Bool("new", false, "create this permission if it does not exist")
	description := f.String("description", "", "description of a new permission")
	if done, err := f.parse(rt, args, 2); done {
		return err
	}
	perm, users := f.Arg(0), f.Args()[1:]
	if *description != "" && !*create {
		return hub.Usagef("--description is only allowed with --new")
	}

	if err := s.Activate(ctx); err != nil {
		return err
	}
	_, missing, err := lookupAll(ctx, s, "getUser", users)
	if err != nil {
		return err
	}
	if err := reportMissing(rt, "user", missing); err != nil {
		return err
	}

	kw := hub.Kw{}
	if *create {
		kw["create"] = true
		if *description != "" {
			kw["description"] = *description
		}
	}
	_, err = s.WithMulticall(ctx, true, func(m *hub.Multicall) error {
		for _, u := range users {
			m.Call("grantPermission", u, perm, kw)
		}
		return nil
	})
	return err
}

func handleSetPkgOwner(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("set-pkg-owner", "[options] <owner> <tag> <package> [<package> ...]")
	force := f.Bool("force", false, "force operation")
	if done, err := f.parse(rt, args, 3); done {
		return err
	}
	owner, tag, pkgs := f.Arg(0), f.Arg(1), f.Args()[2:]

	if err := s.Activate(ctx); err != nil {
		return err
	}
	_, err := s.WithMulticall(ctx, true, func(m *hub.Multicall) error {
		for _, pkg := range pkgs {
			m.Call("packageListSetOwner", tag, pkg, owner, hub.Kw{"force": *force})
		}
		return nil
	})
	return err
}

func handleRemovePkg(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("remove-pkg", "[options] <tag> <package> [<package> ...]")
	force := f.Bool("force", false, "override blocks and owner restrictions")
	chunk := f.Int("chunk-size", 0, "packages removed per request (default: the chunk-size setting)")
	if done, err := f.parse(rt, args, 2); done {
		return err
	}
	tag, pkgs := f.Arg(0), f.Args()[1:]
	if *chunk < 0 {
		return hub.Usagef("--chunk-size must not be negative")
	}

	if err := s.Activate(ctx); err != nil {
		return err
	}
	info, err := s.Call(ctx, "getTag", tag)
	if err != nil {
		return err
	}
	if info == nil {
		return hub.Errorf(hub.KindNotFound, "No such tag: %s", tag)
	}

	failed, i := 0, 0
	seq := hub.IterCall(ctx, s, pkgs, func(m *hub.Multicall, pkg string) *hub.Deferred {
		return m.Call("packageListRemove", tag, pkg, hub.Kw{"force": *force})
	}, *chunk)
	for o, err := range seq {
		if err != nil {
			return err
		}
		if !o.OK() {
			fmt.Fprintf(rt.Stderr, "Failed to remove %s from %s: %v\n", pkgs[i], tag, o.Err)
			failed++
		}
		i++
	}
	if failed > 0 {
		return registry.ExitCode(1)
	}
	return nil
}
