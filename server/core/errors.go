// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// This file uses the errcode package to define the server's error codes.
package core

import (
	"fmt"
	"net/http"

	"github.com/pingcap/errcode"
)

var (
	lockStateCode = errcode.StateCode.Child("state.lock")

	// LockReestablishConflictCode is two clients claiming incompatible holds
	// on one lock after a restart.
	LockReestablishConflictCode = lockStateCode.Child("state.lock.reestablish").SetHTTP(http.StatusConflict)

	// LockNotFoundCode is a query for a lock that is neither held nor waited on.
	LockNotFoundCode = errcode.NotFoundCode.Child("missing.lock")

	// MissingTypeCode is a change that needs a type the server cannot resolve.
	MissingTypeCode = errcode.InvalidInputCode.Child("input.type")

	// ObjectNotFoundCode is a lookup of an object that is not managed.
	ObjectNotFoundCode = errcode.NotFoundCode.Child("missing.object")
)

var _ errcode.ErrorCode = (*LockReestablishConflictError)(nil) // assert implements interface
var _ errcode.ErrorCode = (*LockNotFoundErr)(nil)              // assert implements interface
var _ errcode.ErrorCode = (*MissingTypeError)(nil)             // assert implements interface
var _ errcode.ErrorCode = (*ObjectNotFoundErr)(nil)            // assert implements interface

// LockReestablishConflictError is fatal to the cluster's consistency: it
// means a client or protocol bug.
type LockReestablishConflictError struct {
	Requested LockContext   `json:"requested"`
	Holders   []LockContext `json:"holders"`
}

func (e *LockReestablishConflictError) Error() string {
	return fmt.Sprintf("lock %s cannot be reestablished in %s for %s:%d, held by %v",
		e.Requested.LockID, e.Requested.Level, e.Requested.Node, e.Requested.Thread, e.Holders)
}

// Code returns LockReestablishConflictCode
func (e *LockReestablishConflictError) Code() errcode.Code { return LockReestablishConflictCode }

// LockNotFoundErr has a Code() of LockNotFoundCode
type LockNotFoundErr struct {
	LockID LockID `json:"lockId"`
}

func (e *LockNotFoundErr) Error() string {
	return fmt.Sprintf("lock %s is not held or waited on", e.LockID)
}

// Code returns LockNotFoundCode
func (e *LockNotFoundErr) Code() errcode.Code { return LockNotFoundCode }

// MissingTypeError terminates the session of the submitting client only.
type MissingTypeError struct {
	Txn      ServerTransactionID `json:"txn"`
	ObjectID ObjectID            `json:"objectId"`
}

func (e *MissingTypeError) Error() string {
	return fmt.Sprintf("transaction %s changes %s which has no known type", e.Txn, e.ObjectID)
}

// Code returns MissingTypeCode
func (e *MissingTypeError) Code() errcode.Code { return MissingTypeCode }

// ObjectNotFoundErr has a Code() of ObjectNotFoundCode
type ObjectNotFoundErr struct {
	ObjectID ObjectID `json:"objectId"`
}

func (e *ObjectNotFoundErr) Error() string {
	return fmt.Sprintf("%s is not managed", e.ObjectID)
}

// Code returns ObjectNotFoundCode
func (e *ObjectNotFoundErr) Code() errcode.Code { return ObjectNotFoundCode }
