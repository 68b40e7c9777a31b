// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

type fakeEC2 struct {
	ec2iface.EC2API

	groups  []*ec2.SecurityGroup
	vpcs    []*ec2.Vpc
	created string
	perms   []*ec2.IpPermission
	tags    []*ec2.Tag
}

func (f *fakeEC2) DescribeSecurityGroups(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, nil
}

func (f *fakeEC2) DescribeVpcs(*ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) CreateSecurityGroup(in *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
	f.created = aws.StringValue(in.GroupName)
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-new")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(in *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.perms = in.IpPermissions
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) CreateTags(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	f.tags = in.Tags
	return &ec2.CreateTagsOutput{}, nil
}

func TestSetupEC2SecurityGroupExisting(t *testing.T) {
	svc := &fakeEC2{groups: []*ec2.SecurityGroup{{GroupId: aws.String("sg-old")}}}
	id, err := setupEC2SecurityGroup(svc, "bigbatch")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id, "sg-old"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if svc.created != "" {
		t.Errorf("created group %s", svc.created)
	}
}

func TestSetupEC2SecurityGroupCreate(t *testing.T) {
	svc := &fakeEC2{vpcs: []*ec2.Vpc{{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("10.0.0.0/16")}}}
	id, err := setupEC2SecurityGroup(svc, "bigbatch")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id, "sg-new"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := svc.created, "bigbatch"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var ports []int64
	for _, p := range svc.perms {
		if aws.StringValue(p.IpProtocol) == "tcp" {
			ports = append(ports, aws.Int64Value(p.FromPort))
		}
	}
	if got, want := len(ports), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := ports[2], int64(9555); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(svc.tags), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSetupEC2SecurityGroupNoVPC(t *testing.T) {
	_, err := setupEC2SecurityGroup(&fakeEC2{}, "bigbatch")
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
}

func TestSecurityGroupRules(t *testing.T) {
	rules := securityGroupRules("10.1.0.0/16")
	if got, want := len(rules), 1+len(workerPorts); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := aws.StringValue(rules[0].IpRanges[0].CidrIp), "10.1.0.0/16"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, port := range workerPorts {
		rule := rules[i+1]
		if got, want := aws.Int64Value(rule.FromPort), port; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := aws.StringValue(rule.IpRanges[0].CidrIp), "0.0.0.0/0"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestConfigureEC2(t *testing.T) {
	profile := config.New()
	svc := &fakeEC2{vpcs: []*ec2.Vpc{{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("10.0.0.0/16")}}}
	var connects int
	connect := func() (ec2iface.EC2API, error) {
		connects++
		return svc, nil
	}
	if err := configureEC2(profile, "bigbatch", connect); err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]string{
		keySecurityGroup: "sg-new",
		keySystem:        "bigmachine/ec2system",
		keyInstance:      defaultInstance,
	} {
		got, ok := profile.Get(key)
		if !ok {
			t.Errorf("%s: not set", key)
			continue
		}
		if got != want && got != `"`+want+`"` {
			t.Errorf("%s: got %v, want %v", key, got, want)
		}
	}
	// A configured security group is kept without contacting EC2.
	if err := configureEC2(profile, "bigbatch", connect); err != nil {
		t.Fatal(err)
	}
	if got, want := connects, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProfileReadWrite(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "sub", "config")
	profile, err := readProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	svc := &fakeEC2{groups: []*ec2.SecurityGroup{{GroupId: aws.String("sg-old")}}}
	connect := func() (ec2iface.EC2API, error) { return svc, nil }
	if err := configureEC2(profile, "bigbatch", connect); err != nil {
		t.Fatal(err)
	}
	if err := writeProfile(profile, path); err != nil {
		t.Fatal(err)
	}
	again, err := readProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := again.Get(keySecurityGroup)
	if !ok {
		t.Fatal("security group not written")
	}
	if got != "sg-old" && got != `"sg-old"` {
		t.Errorf("got %v, want sg-old", got)
	}
}
