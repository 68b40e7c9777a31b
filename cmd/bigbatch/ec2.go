// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch/batchconfig"
	"github.com/grailbio/bigbatch/exec"

	// Registered so that the written profile carries their defaults.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
)

const (
	keyRegion        = "aws/env.region"
	keyDefaultRegion = "bigmachine/ec2system.default-region"
	keySecurityGroup = "bigmachine/ec2system.security-group"
	keyInstance      = "bigmachine/ec2system.instance"
	keySystem        = "bigbatch.system"

	// defaultInstance is the instance type configured for workers.
	defaultInstance = "m5.xlarge"
)

// workerPorts are the TCP ports on which workers accept connections
// from anywhere: SSH, bigmachine's HTTPS, and the worker server.
var workerPorts = []int64{22, 443, exec.DefaultPort}

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigbatch setup-ec2 [-securitygroup name]

Command setup-ec2 prepares an AWS account for running batches on EC2
and records the result in the configuration file `, batchconfig.Path, `,
updating it if it exists.

A security group is needed for workers. If one is already configured,
it is kept. Otherwise the group with the given name is reused, or
created in the account's default VPC and tagged "bigbatch". The group
admits:

	any traffic from within the default VPC
	TCP connections on ports 22 (SSH), 443 (bigmachine) and `, exec.DefaultPort, ` (workers)

Outbound traffic is unrestricted.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigbatch setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigbatch", "name of the security group to use or create")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	profile, err := readProfile(batchconfig.Path)
	if err != nil {
		log.Fatal(err)
	}
	connect := func() (ec2iface.EC2API, error) {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.E("creating AWS session", err)
		}
		return ec2.New(sess), nil
	}
	if err := configureEC2(profile, *securityGroup, connect); err != nil {
		log.Fatal(err)
	}
	if err := writeProfile(profile, batchconfig.Path); err != nil {
		log.Fatal(err)
	}
	log.Printf("configuration written to %s", batchconfig.Path)
}

// readProfile parses the profile at path. A missing file yields an
// empty profile.
func readProfile(path string) (*config.Profile, error) {
	profile := config.New()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return profile, nil
	}
	if err != nil {
		return nil, errors.E("opening profile", err)
	}
	defer f.Close()
	if err := profile.Parse(f); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("parsing %s", path), err)
	}
	return profile, nil
}

// writeProfile replaces the file at path with the profile, creating
// its directory as needed.
func writeProfile(profile *config.Profile, path string) error {
	var buf bytes.Buffer
	if err := profile.PrintTo(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	tmp := path + ".setup-ec2"
	if err := ioutil.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// configureEC2 sets the profile up to run workers on EC2. A security
// group is looked up or created through connect only when the profile
// does not already name one.
func configureEC2(profile *config.Profile, group string, connect func() (ec2iface.EC2API, error)) error {
	if region, ok := profile.Get(keyRegion); ok && region != "" {
		if err := profile.Set(keyDefaultRegion, strings.Trim(region, `"`)); err != nil {
			return err
		}
	}
	if id, ok := profile.Get(keySecurityGroup); ok && id != "" && id != `""` {
		log.Printf("keeping configured security group %s", id)
	} else {
		svc, err := connect()
		if err != nil {
			return err
		}
		id, err := setupEC2SecurityGroup(svc, group)
		if err != nil {
			return errors.E("setting up security group", err)
		}
		if err := profile.Set(keySecurityGroup, id); err != nil {
			return err
		}
	}
	if err := profile.Set(keySystem, "bigmachine/ec2system"); err != nil {
		return err
	}
	return profile.Set(keyInstance, defaultInstance)
}

// setupEC2SecurityGroup returns the ID of the security group with the
// given name, creating it in the default VPC if it does not exist.
func setupEC2SecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	if id, ok, err := findSecurityGroup(svc, name); err != nil || ok {
		return id, err
	}
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	resp, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("bigbatch workers; created by bigbatch setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("creating security group %s", name), err)
	}
	id := aws.StringValue(resp.GroupId)
	log.Printf("created security group %s in %s", id, aws.StringValue(vpc.VpcId))
	// Egress is open by default; only ingress needs rules.
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName:     aws.String(name),
		IpPermissions: securityGroupRules(aws.StringValue(vpc.CidrBlock)),
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorizing ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String("bigbatch-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String("bigbatch")},
		},
	})
	if err != nil {
		// Tags are informational.
		log.Error.Printf("tagging security group %s: %v", id, err)
	}
	return id, nil
}

func findSecurityGroup(svc ec2iface.EC2API, name string) (id string, ok bool, err error) {
	resp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{filter("group-name", name)},
	})
	if err != nil {
		return "", false, errors.E(fmt.Sprintf("describing security group %q", name), err)
	}
	if len(resp.SecurityGroups) == 0 {
		return "", false, nil
	}
	id = aws.StringValue(resp.SecurityGroups[0].GroupId)
	log.Printf("reusing security group %s (%s)", name, id)
	return id, true, nil
}

func defaultVPC(svc ec2iface.EC2API) (*ec2.Vpc, error) {
	resp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{filter("isDefault", "true")},
	})
	if err != nil {
		return nil, errors.E("describing default VPC", err)
	}
	switch len(resp.Vpcs) {
	case 0:
		return nil, errors.E(errors.Invalid, "the account has no default VPC; create one "+
			"(https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc) "+
			"or configure a security group by hand")
	case 1:
		return resp.Vpcs[0], nil
	default:
		return nil, errors.E(errors.Invalid, "the account has more than one default VPC; configure a security group by hand")
	}
}

// securityGroupRules returns the ingress rules for workers in a VPC
// with the given CIDR block.
func securityGroupRules(vpcCIDR string) []*ec2.IpPermission {
	rules := []*ec2.IpPermission{{
		IpProtocol: aws.String("-1"),
		IpRanges:   []*ec2.IpRange{{CidrIp: aws.String(vpcCIDR)}},
		FromPort:   aws.Int64(0),
		ToPort:     aws.Int64(0),
	}}
	for _, port := range workerPorts {
		rules = append(rules, &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		})
	}
	return rules
}

func filter(name, value string) *ec2.Filter {
	return &ec2.Filter{Name: aws.String(name), Values: []*string{aws.String(value)}}
}
